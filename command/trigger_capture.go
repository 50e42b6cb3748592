package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/signalsfoundry/satops/internal/apperr"
)

// CameraType selects the imaging sensor.
type CameraType string

const (
	CameraVisible  CameraType = "visible"
	CameraInfrared CameraType = "infrared"
	CameraTest     CameraType = "test"
)

// Valid reports whether c is a known camera type.
func (c CameraType) Valid() bool {
	switch c {
	case CameraVisible, CameraInfrared, CameraTest:
		return true
	default:
		return false
	}
}

// UnmarshalJSON accepts the type name in any case, or the legacy numeric
// codes 0 (visible), 1 (infrared) and 2 (test).
func (c *CameraType) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] != '"' {
		var code int
		if err := json.Unmarshal(data, &code); err != nil {
			return fmt.Errorf("camera type: %w", err)
		}
		switch code {
		case 0:
			*c = CameraVisible
		case 1:
			*c = CameraInfrared
		case 2:
			*c = CameraTest
		default:
			*c = CameraType(strconv.Itoa(code))
		}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("camera type: %w", err)
	}
	*c = CameraType(strings.ToLower(strings.TrimSpace(s)))
	return nil
}

var allowedCameraIDs = []string{"1800 U-500c", "1800 U-507c", "Boson"}

// AllowedCameraIDs returns the cameras fitted to the payload.
func AllowedCameraIDs() []string {
	return append([]string(nil), allowedCameraIDs...)
}

func knownCameraID(id string) bool {
	for _, allowed := range allowedCameraIDs {
		if strings.EqualFold(allowed, id) {
			return true
		}
	}
	return false
}

const (
	maxCameraIDLength       = 128
	maxExposureMicroseconds = 2_000_000
	maxIntervalMicroseconds = 60_000_000
	minISO                  = 0.1
	maxISO                  = 10.0
	maxImages               = 1000
)

// TriggerCapture configures the camera controller and starts an acquisition.
type TriggerCapture struct {
	CameraID             string     `json:"cameraId"`
	CameraType           CameraType `json:"cameraType"`
	ExposureMicroseconds int        `json:"exposureMicroseconds"`
	ISO                  float64    `json:"iso"`
	NumImages            int        `json:"numImages"`
	IntervalMicroseconds int        `json:"intervalMicroseconds"`
	ObservationID        int        `json:"observationId"`
	PipelineID           int        `json:"pipelineId"`
}

func (TriggerCapture) Type() Type          { return TypeTriggerCapture }
func (TriggerCapture) Name() string        { return "Trigger Camera Capture" }
func (TriggerCapture) Description() string { return "Configures and triggers the satellite's camera controller." }
func (TriggerCapture) sealed()             {}

// Validate checks structural ranges and the capture business rules.
func (c TriggerCapture) Validate() error {
	verr := &apperr.ValidationError{}

	switch {
	case strings.TrimSpace(c.CameraID) == "":
		verr.Add("cameraId", "is required")
	case len(c.CameraID) > maxCameraIDLength:
		verr.Add("cameraId", "must be at most %d characters", maxCameraIDLength)
	case !knownCameraID(c.CameraID):
		verr.Add("cameraId", "unknown camera %q, must be one of %s", c.CameraID, strings.Join(allowedCameraIDs, ", "))
	}
	if !c.CameraType.Valid() {
		verr.Add("cameraType", "must be one of visible, infrared, test")
	}
	if c.ExposureMicroseconds < 0 || c.ExposureMicroseconds > maxExposureMicroseconds {
		verr.Add("exposureMicroseconds", "must be between 0 and %d", maxExposureMicroseconds)
	}
	if c.ISO < minISO || c.ISO > maxISO {
		verr.Add("iso", "must be between %.1f and %.1f", minISO, maxISO)
	}
	if c.NumImages < 1 || c.NumImages > maxImages {
		verr.Add("numImages", "must be between 1 and %d", maxImages)
	}
	if c.IntervalMicroseconds < 0 || c.IntervalMicroseconds > maxIntervalMicroseconds {
		verr.Add("intervalMicroseconds", "must be between 0 and %d", maxIntervalMicroseconds)
	}
	if c.ObservationID < 1 {
		verr.Add("observationId", "must be a positive integer")
	}
	if c.PipelineID < 1 {
		verr.Add("pipelineId", "must be a positive integer")
	}
	if c.NumImages > 1 && c.IntervalMicroseconds <= 0 {
		verr.Add("intervalMicroseconds", "must be greater than 0 when capturing multiple images")
	}
	return verr.Err()
}

// Compile renders a single capture_param statement addressed to the camera
// controller.
func (c TriggerCapture) Compile() ([]string, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "CAMERA_TYPE=%s;", strings.ToUpper(string(c.CameraType)))
	fmt.Fprintf(&b, "CAMERA_ID=%s;", c.CameraID)
	fmt.Fprintf(&b, "NUM_IMAGES=%d;", c.NumImages)
	fmt.Fprintf(&b, "EXPOSURE=%d;", c.ExposureMicroseconds)
	fmt.Fprintf(&b, "ISO=%s;", strconv.FormatFloat(c.ISO, 'f', -1, 64))
	fmt.Fprintf(&b, "INTERVAL=%d;", c.IntervalMicroseconds)
	fmt.Fprintf(&b, "PIPELINE_ID=%d;", c.PipelineID)
	fmt.Fprintf(&b, "OBID=%d;", c.ObservationID)

	return []string{
		fmt.Sprintf("param set capture_param \"%s\" -n %d", b.String(), CameraControllerNode),
	}, nil
}
