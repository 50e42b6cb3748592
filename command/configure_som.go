package command

import "fmt"

// Management service ports registered on the application system node.
const (
	dippServicePort          = 5423
	cameraControlServicePort = 5422
)

// ConfigureSom registers the management services on the system-on-module.
// It has no parameters.
type ConfigureSom struct{}

func (ConfigureSom) Type() Type          { return TypeConfigureSom }
func (ConfigureSom) Name() string        { return "Configure SoM" }
func (ConfigureSom) Description() string { return "Registers management-service addresses on the system node." }
func (ConfigureSom) sealed()             {}

func (ConfigureSom) Validate() error { return nil }

func (ConfigureSom) Compile() ([]string, error) {
	return []string{
		fmt.Sprintf("set mng_dipp %d -n %d", dippServicePort, AppSysNode),
		fmt.Sprintf("set mng_camera_control %d -n %d", cameraControlServicePort, AppSysNode),
	}, nil
}
