// Package config holds the boot configuration of the kernel core, read
// from a JSON file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/iansmith/kcore/arch"
	"github.com/iansmith/kcore/pmm"
	"github.com/iansmith/kcore/sched"
	"github.com/iansmith/kcore/vmm"
)

// Config is the boot configuration.
type Config struct {
	LogLevel string `json:"log_level"`
	LogFile  string `json:"log_file"`

	// MemoryMap is the firmware memory map handed to the frame allocator.
	MemoryMap []pmm.Region `json:"memory_map"`

	// KernelImagePages is the size of the kernel image mapped at the base
	// of the kernel half.
	KernelImagePages uint64 `json:"kernel_image_pages"`
	// BootHeapPages is the size of the boot heap window.
	BootHeapPages uint64 `json:"boot_heap_pages"`

	TLBEntries     int    `json:"tlb_entries"`
	TLBReplacement string `json:"tlb_replacement"`

	Slice         uint32 `json:"slice_ticks"`
	Tiers         int    `json:"tiers"`
	TCBsPerSlab   int    `json:"tcbs_per_slab"`
	StacksPerSlab int    `json:"stacks_per_slab"`

	TickPeriodMS int `json:"tick_period_ms"`

	SyscallTableSize int `json:"syscall_table_size"`
	// WaitQueues is the number of wait queues user space can address.
	WaitQueues int `json:"wait_queues"`

	// DiagDir receives the memory map and halt screen images. Empty
	// disables them.
	DiagDir string `json:"diag_dir"`
}

// Default returns the configuration of a 64 MiB machine whose first MiB
// belongs to the firmware.
func Default() Config {
	return Config{
		LogLevel: "INFO",
		MemoryMap: []pmm.Region{
			{Base: 0, Length: 1 << 20, Usable: false},
			{Base: 1 << 20, Length: 63 << 20, Usable: true},
		},
		KernelImagePages: 512,
		BootHeapPages:    256,
		TLBEntries:       64,
		TLBReplacement:   "FIFO",
		Slice:            2,
		Tiers:            int(sched.TierRealtime) + 1,
		TCBsPerSlab:      32,
		StacksPerSlab:    4,
		TickPeriodMS:     10,
		SyscallTableSize: 64,
		WaitQueues:       8,
	}
}

// Load reads the file at path over the defaults and validates the result.
// Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if err := setupConfig(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func setupConfig(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

// Validate reports every impossible value at once.
func (c *Config) Validate() error {
	var errs []error
	usable := uint64(0)
	for i, r := range c.MemoryMap {
		if r.Base%arch.PageSize != 0 || r.Length%arch.PageSize != 0 {
			errs = append(errs, fmt.Errorf("memory_map[%d] is not page aligned", i))
		}
		if r.Usable {
			usable += r.Length / arch.PageSize
		}
	}
	if usable == 0 {
		errs = append(errs, errors.New("memory_map has no usable memory"))
	}
	if c.KernelImagePages == 0 || c.BootHeapPages == 0 {
		errs = append(errs, errors.New("kernel_image_pages and boot_heap_pages must be positive"))
	}
	if c.TLBEntries < 0 {
		errs = append(errs, errors.New("tlb_entries is negative"))
	}
	if _, err := vmm.ParseReplacement(c.TLBReplacement); err != nil {
		errs = append(errs, err)
	}
	if c.Slice == 0 {
		errs = append(errs, errors.New("slice_ticks must be positive"))
	}
	if c.Tiers < 2 || c.Tiers > sched.MaxTiers {
		errs = append(errs, fmt.Errorf("tiers must be between 2 and %d", sched.MaxTiers))
	}
	if c.TCBsPerSlab <= 0 || c.StacksPerSlab <= 0 {
		errs = append(errs, errors.New("tcbs_per_slab and stacks_per_slab must be positive"))
	}
	if c.TickPeriodMS <= 0 {
		errs = append(errs, errors.New("tick_period_ms must be positive"))
	}
	if c.SyscallTableSize <= 0 {
		errs = append(errs, errors.New("syscall_table_size must be positive"))
	}
	if c.WaitQueues < 0 {
		errs = append(errs, errors.New("wait_queues is negative"))
	}
	return errors.Join(errs...)
}

// TickPeriod returns the tick period as a duration.
func (c *Config) TickPeriod() time.Duration {
	return time.Duration(c.TickPeriodMS) * time.Millisecond
}

// Sched returns the scheduler part of the configuration.
func (c *Config) Sched() sched.Config {
	return sched.Config{Slice: c.Slice, Tiers: c.Tiers, TCBsPerSlab: c.TCBsPerSlab, StacksPerSlab: c.StacksPerSlab}
}

// Mapper returns the mapper options. Validate has checked the replacement.
func (c *Config) Mapper() vmm.Options {
	policy, _ := vmm.ParseReplacement(c.TLBReplacement)
	return vmm.Options{TLBEntries: c.TLBEntries, TLBReplacement: policy}
}
