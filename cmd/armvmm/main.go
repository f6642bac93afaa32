// Command armvmm boots a single AArch64 Linux guest under KVM: parse the
// machine configuration, assemble memory/vcpu/devices, and run the vCPU
// until the guest halts or a signal asks it to stop.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tothalex/armvmm/internal/config"
	"github.com/tothalex/armvmm/internal/vmm"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		return err
	}

	m, err := vmm.New(cfg)
	if err != nil {
		return fmt.Errorf("armvmm: %w", err)
	}
	defer m.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Printf("armvmm: received %s, shutting down", s)
		m.Stop()
	}()

	if err := m.Run(); err != nil {
		return fmt.Errorf("armvmm: %w", err)
	}
	return nil
}
