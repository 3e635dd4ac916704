package cmd

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/spf13/cobra"
	"github.com/tervia/kmem/kmem"
	"github.com/tervia/kmem/memory"
	"github.com/tervia/kmem/multiboot"
)

const (
	flagNameStats    = "stats"
	flagNameDetailed = "detailed"
)

type runConfig struct {
	Base *baseConfiguration

	Stats    bool
	Detailed bool
}

func newRunCmd(baseConfig *baseConfiguration) *cobra.Command {
	config := &runConfig{Base: baseConfig}
	var cmd = &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Boots the allocator described by a scenario and runs its workload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scenario, err := LoadScenario(args[0])
			if err != nil {
				return err
			}
			return runScenario(cmd.OutOrStdout(), config, scenario)
		},
	}
	cmd.Flags().BoolVar(&config.Stats, flagNameStats, false, "print the allocator statistics as JSON after the workload")
	cmd.Flags().BoolVar(&config.Detailed, flagNameDetailed, false, "include every heap block in the statistics")
	return cmd
}

type (
	simulation struct {
		out       io.Writer
		allocator *kmem.Allocator
		named     *swiss.Map[string, memory.PhysAddr]
	}

	opHandler func(sim *simulation, op Operation) error
)

var opHandlers = newRegistry(map[string]opHandler{
	"alloc":         (*simulation).alloc,
	"alloc_aligned": (*simulation).allocAligned,
	"free":          (*simulation).free,
	"page_alloc":    (*simulation).pageAlloc,
	"page_free":     (*simulation).pageFree,
	"validate":      (*simulation).validate,
	"meminfo":       (*simulation).meminfo,
})

func runScenario(out io.Writer, config *runConfig, scenario *Scenario) error {
	logger := config.Base.logger
	if logger == nil {
		logger = slog.Default()
	}

	phys := memory.NewPhysical(scenario.RAM)

	bootInfo, err := scenario.BootInfo()
	if err != nil {
		return err
	}
	err = multiboot.Write(phys, memory.PhysAddr(scenario.BootInfoAddr), bootInfo)
	if err != nil {
		return errors.Wrap(err, "writing boot information")
	}

	allocator, err := kmem.New(logger, phys, scenario.CreateOptions())
	if err != nil {
		return err
	}
	err = allocator.Init(scenario.BootMagic(), memory.PhysAddr(scenario.BootInfoAddr))
	if err != nil {
		return errors.Wrap(err, "initializing allocator")
	}

	fmt.Fprintf(out, "booted in %s mode\n", allocator.Mode())

	sim := &simulation{
		out:       out,
		allocator: allocator,
		named:     swiss.NewMap[string, memory.PhysAddr](uint32(len(scenario.Workload))),
	}

	for i, op := range scenario.Workload {
		handler, ok := opHandlers.Get(op.Op)
		if !ok {
			return errors.Newf("step %d: unknown op %q, expected one of: %s", i, op.Op, registryKeys(opHandlers))
		}
		if err := handler(sim, op); err != nil {
			return errors.Wrapf(err, "step %d (%s)", i, op)
		}
	}

	fmt.Fprintln(out, allocator.MeminfoString())
	if config.Stats || config.Detailed {
		fmt.Fprintln(out, allocator.BuildStatsString(config.Detailed))
	}
	return nil
}

func (s *simulation) remember(op Operation, addr memory.PhysAddr) {
	fmt.Fprintf(s.out, "%s -> %s\n", op, addr)
	if op.Name != "" && addr != 0 {
		s.named.Put(op.Name, addr)
	}
}

func (s *simulation) forget(op Operation) (memory.PhysAddr, error) {
	addr, ok := s.named.Get(op.Name)
	if !ok {
		return 0, errors.Newf("no live allocation named %q", op.Name)
	}
	s.named.Delete(op.Name)
	fmt.Fprintf(s.out, "%s (%s)\n", op, addr)
	return addr, nil
}

func (s *simulation) alloc(op Operation) error {
	s.remember(op, s.allocator.Kmalloc(op.Size))
	return nil
}

func (s *simulation) allocAligned(op Operation) error {
	s.remember(op, s.allocator.KmallocAligned(op.Size, op.Align))
	return nil
}

func (s *simulation) free(op Operation) error {
	addr, err := s.forget(op)
	if err != nil {
		return err
	}
	s.allocator.Kfree(addr)
	return nil
}

func (s *simulation) pageAlloc(op Operation) error {
	s.remember(op, s.allocator.PmmAllocPage())
	return nil
}

func (s *simulation) pageFree(op Operation) error {
	addr, err := s.forget(op)
	if err != nil {
		return err
	}
	s.allocator.PmmFreePage(addr)
	return nil
}

func (s *simulation) validate(op Operation) error {
	return s.allocator.Validate()
}

func (s *simulation) meminfo(op Operation) error {
	_, err := fmt.Fprintln(s.out, s.allocator.MeminfoString())
	return err
}
