package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/tervia/kmem/kmem"
	"github.com/tervia/kmem/memory"
	"github.com/tervia/kmem/multiboot"
	"gopkg.in/yaml.v3"
)

const defaultBootInfoAddr uint32 = 0x500

type (
	// Scenario describes a simulated machine and the workload run against its allocator
	Scenario struct {
		// RAM is the size of the physical memory image in bytes
		RAM uint32 `yaml:"ram"`
		// Magic is the value the bootloader leaves for the kernel. Defaults to the multiboot magic.
		Magic *uint32 `yaml:"magic"`
		// BootInfoAddr is where the boot information structure is written
		BootInfoAddr uint32      `yaml:"boot_info_addr"`
		Boot         BootSection `yaml:"boot"`
		KernelEnd    uint32      `yaml:"kernel_end"`
		Options      Options     `yaml:"options"`
		Workload     []Operation `yaml:"workload"`
	}

	BootSection struct {
		Flags    []string `yaml:"flags"`
		MemLower uint32   `yaml:"mem_lower"`
		MemUpper uint32   `yaml:"mem_upper"`
		Regions  []Region `yaml:"regions"`
	}

	Region struct {
		Base   uint64 `yaml:"base"`
		Length uint64 `yaml:"length"`
		Type   string `yaml:"type"`
	}

	Options struct {
		InitialHeapSize        uint32 `yaml:"initial_heap_size"`
		FallbackHeapSize       uint32 `yaml:"fallback_heap_size"`
		NoLowMemoryReserve     bool   `yaml:"no_low_memory_reserve"`
		ExternallySynchronized bool   `yaml:"externally_synchronized"`
	}

	// Operation is a single workload step. Name labels the address an allocation returns so
	// that a later free can refer to it.
	Operation struct {
		Op    string `yaml:"op"`
		Name  string `yaml:"name"`
		Size  uint32 `yaml:"size"`
		Align uint32 `yaml:"align"`
	}
)

var bootFlagNames = newRegistry(map[string]multiboot.Flags{
	"memory":     multiboot.FlagMemory,
	"memory_map": multiboot.FlagMemoryMap,
	"cmdline":    multiboot.FlagCmdLine,
	"modules":    multiboot.FlagModules,
})

var regionTypeNames = newRegistry(map[string]multiboot.MemoryEntryType{
	"available":        multiboot.MemAvailable,
	"reserved":         multiboot.MemReserved,
	"acpi_reclaimable": multiboot.MemAcpiReclaimable,
	"nvs":              multiboot.MemNvs,
})

func newRegistry[V any](entries map[string]V) *swiss.Map[string, V] {
	registry := swiss.NewMap[string, V](uint32(len(entries)))
	for name, value := range entries {
		registry.Put(name, value)
	}
	return registry
}

func registryKeys[V any](registry *swiss.Map[string, V]) string {
	keys := make([]string, 0, registry.Count())
	registry.Iter(func(k string, _ V) bool {
		keys = append(keys, k)
		return false
	})
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}

// LoadScenario reads a YAML scenario from filename
func LoadScenario(filename string) (*Scenario, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrap(err, "opening scenario")
	}
	defer f.Close()

	return DecodeScenario(f)
}

// DecodeScenario reads a YAML scenario from r
func DecodeScenario(r io.Reader) (*Scenario, error) {
	scenario := &Scenario{}
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(scenario); err != nil {
		return nil, errors.Wrap(err, "decoding scenario")
	}

	if scenario.RAM == 0 {
		return nil, errors.New("scenario must set ram")
	}
	if scenario.BootInfoAddr == 0 {
		scenario.BootInfoAddr = defaultBootInfoAddr
	}
	return scenario, nil
}

// BootInfo converts the boot section into the structure the bootloader would write
func (s *Scenario) BootInfo() (multiboot.BootInfo, error) {
	info := multiboot.BootInfo{
		MemLower: s.Boot.MemLower,
		MemUpper: s.Boot.MemUpper,
	}

	for _, name := range s.Boot.Flags {
		flag, ok := bootFlagNames.Get(strings.ToLower(name))
		if !ok {
			return info, errors.Newf("unknown boot flag %q, expected one of: %s", name, registryKeys(bootFlagNames))
		}
		info.Flags |= flag
	}

	for i, region := range s.Boot.Regions {
		entryType, ok := regionTypeNames.Get(strings.ToLower(region.Type))
		if !ok {
			return info, errors.Newf("region %d has unknown type %q, expected one of: %s", i, region.Type, registryKeys(regionTypeNames))
		}
		info.Regions = append(info.Regions, multiboot.MemoryMapEntry{
			PhysAddress: region.Base,
			Length:      region.Length,
			Type:        entryType,
		})
	}

	return info, nil
}

// CreateOptions converts the options section into allocator options
func (s *Scenario) CreateOptions() kmem.CreateOptions {
	var flags kmem.CreateFlags
	if s.Options.NoLowMemoryReserve {
		flags |= kmem.AllocatorCreateNoLowMemoryReserve
	}
	if s.Options.ExternallySynchronized {
		flags |= kmem.AllocatorCreateExternallySynchronized
	}

	return kmem.CreateOptions{
		Flags:            flags,
		KernelEnd:        memory.PhysAddr(s.KernelEnd),
		InitialHeapSize:  s.Options.InitialHeapSize,
		FallbackHeapSize: s.Options.FallbackHeapSize,
	}
}

// BootMagic returns the value handed to the allocator as the bootloader magic
func (s *Scenario) BootMagic() uint32 {
	if s.Magic == nil {
		return multiboot.BootloaderMagic
	}
	return *s.Magic
}

func (o Operation) String() string {
	var b strings.Builder
	b.WriteString(o.Op)
	if o.Name != "" {
		fmt.Fprintf(&b, " %s", o.Name)
	}
	if o.Size != 0 {
		fmt.Fprintf(&b, " size=%d", o.Size)
	}
	if o.Align != 0 {
		fmt.Fprintf(&b, " align=%d", o.Align)
	}
	return b.String()
}
