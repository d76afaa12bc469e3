// Package jp2util parses and synthesizes the few JPEG2000 codestream
// structures needed to address tiles by byte range: the TLM marker segment,
// the main header up to the first tile-part, SOT headers, and the fixed
// marker segments that make a lone tile-part decodable on its own.
//
// All multi-byte fields are big-endian (ITU-T T.800 Annex A).
package jp2util

import "fmt"

// Marker is a two-byte JPEG2000 marker code.
type Marker uint16

// Marker codes (ITU-T T.800 Table A.1)
const (
	MarkerSOC Marker = 0xFF4F // Start of codestream
	MarkerSIZ Marker = 0xFF51 // Image and tile size
	MarkerCOD Marker = 0xFF52 // Coding style default
	MarkerCOC Marker = 0xFF53 // Coding style component
	MarkerTLM Marker = 0xFF55 // Tile-part lengths
	MarkerPLM Marker = 0xFF57 // Packet length, main header
	MarkerPLT Marker = 0xFF58 // Packet length, tile-part header
	MarkerQCD Marker = 0xFF5C // Quantization default
	MarkerQCC Marker = 0xFF5D // Quantization component
	MarkerRGN Marker = 0xFF5E // Region of interest
	MarkerPOC Marker = 0xFF5F // Progression order change
	MarkerPPM Marker = 0xFF60 // Packed packet headers, main header
	MarkerCRG Marker = 0xFF63 // Component registration
	MarkerCOM Marker = 0xFF64 // Comment
	MarkerSOT Marker = 0xFF90 // Start of tile-part
	MarkerSOD Marker = 0xFF93 // Start of data
	MarkerEOC Marker = 0xFFD9 // End of codestream
)

// SOT marker segment layout: marker(2) Lsot(2) Isot(2) Psot(4) TPsot(1) TNsot(1)
const (
	sotSegmentSize = 12
	sotLength      = 10
	isotOffset     = 4
	psotOffset     = 6
)

func (m Marker) String() string {
	switch m {
	case MarkerSOC:
		return "SOC"
	case MarkerSIZ:
		return "SIZ"
	case MarkerCOD:
		return "COD"
	case MarkerCOC:
		return "COC"
	case MarkerTLM:
		return "TLM"
	case MarkerPLM:
		return "PLM"
	case MarkerPLT:
		return "PLT"
	case MarkerQCD:
		return "QCD"
	case MarkerQCC:
		return "QCC"
	case MarkerRGN:
		return "RGN"
	case MarkerPOC:
		return "POC"
	case MarkerPPM:
		return "PPM"
	case MarkerCRG:
		return "CRG"
	case MarkerCOM:
		return "COM"
	case MarkerSOT:
		return "SOT"
	case MarkerSOD:
		return "SOD"
	case MarkerEOC:
		return "EOC"
	default:
		return fmt.Sprintf("0x%04X", uint16(m))
	}
}
