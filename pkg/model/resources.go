package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Resources is a CPU/memory/GPU triple. CPU is in cores, Memory in GB, GPU a device count.
// CPU and Memory are decimals so that repeated reserve/release cycles stay exact.
type Resources struct {
	CPU    decimal.Decimal `json:"cpu"`
	Memory decimal.Decimal `json:"memory"`
	GPU    int64           `json:"gpu"`
}

// NewResources builds a triple from float CPU/memory values and a GPU count.
func NewResources(cpu, memory float64, gpu int64) Resources {
	return Resources{
		CPU:    decimal.NewFromFloat(cpu),
		Memory: decimal.NewFromFloat(memory),
		GPU:    gpu,
	}
}

// Add returns r + o per dimension.
func (r Resources) Add(o Resources) Resources {
	return Resources{
		CPU:    r.CPU.Add(o.CPU),
		Memory: r.Memory.Add(o.Memory),
		GPU:    r.GPU + o.GPU,
	}
}

// Sub returns r - o per dimension. The result may be negative.
func (r Resources) Sub(o Resources) Resources {
	return Resources{
		CPU:    r.CPU.Sub(o.CPU),
		Memory: r.Memory.Sub(o.Memory),
		GPU:    r.GPU - o.GPU,
	}
}

// Fits reports whether r fits inside available in every dimension.
func (r Resources) Fits(available Resources) bool {
	return r.CPU.LessThanOrEqual(available.CPU) &&
		r.Memory.LessThanOrEqual(available.Memory) &&
		r.GPU <= available.GPU
}

// Deficit returns how much of r is not covered by available, per dimension.
// Dimensions that are already covered come out zero or negative.
func (r Resources) Deficit(available Resources) Resources {
	return r.Sub(available)
}

// Covered reports whether no dimension is positive, i.e. a deficit has been paid off.
func (r Resources) Covered() bool {
	return !r.CPU.IsPositive() && !r.Memory.IsPositive() && r.GPU <= 0
}

// AnyNegative reports whether some dimension is below zero.
func (r Resources) AnyNegative() bool {
	return r.CPU.IsNegative() || r.Memory.IsNegative() || r.GPU < 0
}

// IsZero reports whether all dimensions are zero.
func (r Resources) IsZero() bool {
	return r.CPU.IsZero() && r.Memory.IsZero() && r.GPU == 0
}

// Equal compares numerically, so "4" and "4.0" are equal.
func (r Resources) Equal(o Resources) bool {
	return r.CPU.Equal(o.CPU) && r.Memory.Equal(o.Memory) && r.GPU == o.GPU
}

func (r Resources) String() string {
	return fmt.Sprintf("cpu=%s memory=%s gpu=%d", r.CPU, r.Memory, r.GPU)
}

// ValidateRequest checks a deployment request: CPU and memory strictly positive, GPU non-negative.
func (r Resources) ValidateRequest() []FieldError {
	var errs []FieldError
	if !r.CPU.IsPositive() {
		errs = append(errs, FieldError{Field: "cpu", Message: "must be greater than 0"})
	}
	if !r.Memory.IsPositive() {
		errs = append(errs, FieldError{Field: "memory", Message: "must be greater than 0"})
	}
	if r.GPU < 0 {
		errs = append(errs, FieldError{Field: "gpu", Message: "cannot be negative"})
	}
	return errs
}

// ValidateLimit checks a cluster capacity. The rules match ValidateRequest.
func (r Resources) ValidateLimit() []FieldError {
	var errs []FieldError
	if !r.CPU.IsPositive() {
		errs = append(errs, FieldError{Field: "cpu_limit", Message: "CPU limit must be greater than 0"})
	}
	if !r.Memory.IsPositive() {
		errs = append(errs, FieldError{Field: "ram_limit", Message: "memory limit must be greater than 0"})
	}
	if r.GPU < 0 {
		errs = append(errs, FieldError{Field: "gpu_limit", Message: "GPU limit cannot be negative"})
	}
	return errs
}

// Usage pairs a cluster's capacity with what is currently reserved against it.
type Usage struct {
	Limit Resources `json:"limit"`
	Used  Resources `json:"used"`
}

// Available is Limit - Used.
func (u Usage) Available() Resources {
	return u.Limit.Sub(u.Used)
}
