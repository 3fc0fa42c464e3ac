package model

// TaskSpec describes one extension task. Command is what runs; Image is only
// used by container backends.
type TaskSpec struct {
	Name    string   `json:"name"`
	Image   string   `json:"image,omitempty"`
	Command []string `json:"command"`
	Envs    []string `json:"envs"`
}
