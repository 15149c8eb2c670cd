package params

const (
	// ParamsKeyPauses stores the module pause configuration.
	ParamsKeyPauses = "system/pauses"
	// ParamsKeyRamp stores the deposit and reservation engine limits.
	ParamsKeyRamp = "ramp/config"
)
