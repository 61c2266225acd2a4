package proctor

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Defaults for the activation contract.
const (
	DefaultMaxViolations          = 3
	DefaultDedupeWindow           = 1000 * time.Millisecond
	DefaultArmingDelay            = 2000 * time.Millisecond
	DefaultProbeInterval          = 1000 * time.Millisecond
	DefaultGeometryThresholdPx    = 160
	DefaultConsoleTimingThreshold = 100 * time.Millisecond
	DefaultWarningDuration        = 3000 * time.Millisecond
)

// Activation is the contract a host hands the detector when an exam session
// starts.
type Activation struct {
	UserID string `json:"userId" validate:"required"`
	ExamID string `json:"examId" validate:"required"`

	// MaxViolations is the count at which the session is blocked.
	MaxViolations int `json:"maxViolations" validate:"gt=0"`

	IsActive     bool `json:"isActive"`
	ShowWarnings bool `json:"showWarnings"`

	// DedupeWindow is the minimum spacing between accepted violations of any kind.
	DedupeWindow time.Duration `json:"dedupeWindow" validate:"gte=0"`

	// ArmingDelay is the grace period after activation during which signals
	// are dropped. Zero arms immediately.
	ArmingDelay time.Duration `json:"armingDelay" validate:"gte=0"`

	ProbeInterval          time.Duration `json:"probeInterval" validate:"gt=0"`
	GeometryThresholdPx    int           `json:"geometryThresholdPx" validate:"gte=0"`
	ConsoleTimingThreshold time.Duration `json:"consoleTimingThreshold" validate:"gt=0"`
	WarningDuration        time.Duration `json:"warningDuration" validate:"gt=0"`
}

// DefaultActivation returns an active contract with every default applied.
func DefaultActivation(userID, examID string) Activation {
	return Activation{
		UserID:                 userID,
		ExamID:                 examID,
		MaxViolations:          DefaultMaxViolations,
		IsActive:               true,
		ShowWarnings:           true,
		DedupeWindow:           DefaultDedupeWindow,
		ArmingDelay:            DefaultArmingDelay,
		ProbeInterval:          DefaultProbeInterval,
		GeometryThresholdPx:    DefaultGeometryThresholdPx,
		ConsoleTimingThreshold: DefaultConsoleTimingThreshold,
		WarningDuration:        DefaultWarningDuration,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the contract. The returned error wraps ErrInvalidConfig.
func (a Activation) Validate() error {
	err := validate.Struct(a)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s must be %s %s (got %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}
