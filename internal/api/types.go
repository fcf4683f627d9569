package api

type ResponseError struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
	Code    int    `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

type TensorResponse struct {
	Height  int     `json:"height"`
	Width   int     `json:"width"`
	Channel int     `json:"channel"`
	Scale   float32 `json:"scale"`
	Size    int     `json:"size"`
	Source  string  `json:"source,omitempty"`
}

type NodeResponse struct {
	Name    string           `json:"name"`
	Inputs  []TensorResponse `json:"inputs"`
	Outputs []TensorResponse `json:"outputs"`
}

type KernelResponse struct {
	Object     string         `json:"object"`
	Name       string         `json:"name"`
	Loaded     bool           `json:"loaded"`
	Mean       []int          `json:"mean,omitempty"`
	Tasks      int            `json:"tasks"`
	TaskMemory int            `json:"task_memory,omitempty"`
	Nodes      []NodeResponse `json:"nodes,omitempty"`
}

type KernelListResponse struct {
	Object string           `json:"object"`
	Data   []KernelResponse `json:"data"`
}

// InferRequest feeds one float input tensor and reads one output tensor.
type InferRequest struct {
	InputNode  string    `json:"input_node"`
	InputIndex int       `json:"input_index,omitempty"`
	Layout     string    `json:"layout,omitempty"`
	Input      []float32 `json:"input"`
	OutputNode string    `json:"output_node"`
	// OutputIndex selects the output of OutputNode; zero by default.
	OutputIndex int  `json:"output_index,omitempty"`
	Softmax     bool `json:"softmax,omitempty"`
	Profile     bool `json:"profile,omitempty"`
}

type ProfileResponse struct {
	TotalMicros int64            `json:"total_us"`
	Nodes       map[string]int64 `json:"nodes_us"`
}

type InferResponse struct {
	ID            string           `json:"id"`
	Object        string           `json:"object"`
	CreatedAt     int64            `json:"created_at"`
	Kernel        string           `json:"kernel"`
	OutputNode    string           `json:"output_node"`
	Layout        string           `json:"layout"`
	Output        []float32        `json:"output"`
	Probabilities []float32        `json:"probabilities,omitempty"`
	Profile       *ProfileResponse `json:"profile,omitempty"`
}

type DeviceResponse struct {
	Object         string `json:"object"`
	Accelerator    string `json:"accelerator"`
	Kernels        int    `json:"kernels"`
	MemoryUsed     int    `json:"memory_used"`
	MemoryCapacity int    `json:"memory_capacity"`
	Launches       uint64 `json:"launches"`
	Faults         uint64 `json:"faults"`
	Resets         uint64 `json:"resets"`
}
