package domain

// Template describes a named VM shape with its startup script and defaults.
type Template struct {
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	MachineType   string            `json:"machine_type"`
	ImageProject  string            `json:"image_project"`
	ImageFamily   string            `json:"image_family"`
	DiskSizeGB    int               `json:"disk_size_gb"`
	DefaultPorts  []Port            `json:"default_ports"`
	Tags          []string          `json:"tags"`
	ParamDefaults map[string]string `json:"param_defaults"`
	StartupScript string            `json:"startup_script"`
}
