package tlmget

import (
	"strings"
	"time"

	tlmerrors "github.com/flaneur2020/tlm-get/tlmget/errors"
)

const sensingTimeLayout = "20060102T150405"

// ProductID is a parsed Sentinel-2 product identifier such as
// S2B_MSIL2A_20240612T103629_N0510_R008_T32TQM_20240612T134418.
type ProductID struct {
	Mission       string // S2A, S2B...
	Level         string // L1C, L2A
	SensingTime   time.Time
	Baseline      string // N0510
	RelativeOrbit string // R008
	MGRSTile      string // 32TQM
}

// ParseProductID splits a product identifier into its fields.
func ParseProductID(pid string) (*ProductID, error) {
	parts := strings.Split(strings.TrimSuffix(pid, ".SAFE"), "_")
	if len(parts) < 6 || len(parts[1]) <= 3 || len(parts[5]) <= 1 {
		return nil, tlmerrors.ErrInvalidArgument.WithDetail("product_id", pid).WithMessage("malformed product id")
	}
	sensing, err := time.Parse(sensingTimeLayout, parts[2])
	if err != nil {
		return nil, tlmerrors.ErrInvalidArgument.WithDetail("product_id", pid).WithCause(err).WithMessage("malformed sensing time")
	}
	return &ProductID{
		Mission:       parts[0],
		Level:         parts[1][3:],
		SensingTime:   sensing,
		Baseline:      parts[3],
		RelativeOrbit: parts[4],
		MGRSTile:      parts[5][1:],
	}, nil
}
