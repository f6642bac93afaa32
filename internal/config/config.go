// Package config assembles one machine configuration from CLI flags and
// an optional YAML overlay file, CLI flags always winning over the file.
package config

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v2"
)

// defaultMemSizeMiB is used when neither the CLI nor the config file set
// a memory size.
const defaultMemSizeMiB = 256

// defaultTapAddr and defaultTapPrefixLen address the TAP interface on
// the host when --tap is set but --tap-addr isn't, so virtio-net works
// out of the box against a freshly created TAP with no other host-side
// network configuration.
const (
	defaultTapAddr      = "192.168.127.1"
	defaultTapPrefixLen = 24
)

// CLI holds the flags jessevdk/go-flags parses from argv.
type CLI struct {
	Config string `long:"config" description:"path to a YAML machine config file"`

	Kernel  string `long:"kernel" description:"path to an AArch64 Linux Image"`
	Initrd  string `long:"initrd" description:"path to an initrd image"`
	Disk    string `long:"disk" description:"path to the virtio-blk backing file"`
	Tap     string `long:"tap" description:"host TAP interface name for virtio-net"`
	CmdLine string `long:"cmdline" description:"kernel command line"`

	TapAddr      string `long:"tap-addr" description:"host IPv4 address to assign the TAP interface"`
	TapPrefixLen int    `long:"tap-prefix" description:"prefix length for --tap-addr"`

	MemSizeMiB uint64 `long:"mem-size" description:"guest memory size in MiB"`
}

// fileConfig is the YAML machine-config overlay's shape. Field names
// match the CLI's so Parse can apply "file sets what CLI left zero".
type fileConfig struct {
	Kernel     string `yaml:"kernel"`
	Initrd     string `yaml:"initrd"`
	Disk       string `yaml:"disk"`
	Tap        string `yaml:"tap"`
	CmdLine    string `yaml:"cmdline"`
	MemSizeMiB uint64 `yaml:"mem_size_mib"`

	TapAddr      string `yaml:"tap_addr"`
	TapPrefixLen int    `yaml:"tap_prefix_len"`
}

// Machine is the fully resolved configuration the boot orchestrator
// consumes.
type Machine struct {
	Kernel     string
	Initrd     string
	Disk       string
	Tap        string
	CmdLine    string
	MemSizeMiB uint64

	TapAddr      string
	TapPrefixLen int
}

// Parse parses argv with go-flags, loads --config's YAML overlay if set,
// and merges the two with CLI flags winning over file values.
func Parse(argv []string) (Machine, error) {
	var cli CLI
	parser := flags.NewParser(&cli, flags.Default)
	if _, err := parser.ParseArgs(argv); err != nil {
		return Machine{}, fmt.Errorf("config: parsing flags: %w", err)
	}

	var file fileConfig
	if cli.Config != "" {
		loaded, err := loadFile(cli.Config)
		if err != nil {
			return Machine{}, err
		}
		file = loaded
	}

	m := Machine{
		Kernel:       firstNonEmpty(cli.Kernel, file.Kernel),
		Initrd:       firstNonEmpty(cli.Initrd, file.Initrd),
		Disk:         firstNonEmpty(cli.Disk, file.Disk),
		Tap:          firstNonEmpty(cli.Tap, file.Tap),
		CmdLine:      firstNonEmpty(cli.CmdLine, file.CmdLine),
		MemSizeMiB:   firstNonZero(cli.MemSizeMiB, file.MemSizeMiB),
		TapAddr:      firstNonEmpty(cli.TapAddr, file.TapAddr),
		TapPrefixLen: int(firstNonZero(uint64(cli.TapPrefixLen), uint64(file.TapPrefixLen))),
	}
	if m.MemSizeMiB == 0 {
		m.MemSizeMiB = defaultMemSizeMiB
	}
	if m.Kernel == "" {
		return Machine{}, fmt.Errorf("config: --kernel (or config file kernel:) is required")
	}
	if m.Tap != "" {
		if m.TapAddr == "" {
			m.TapAddr = defaultTapAddr
		}
		if m.TapPrefixLen == 0 {
			m.TapPrefixLen = defaultTapPrefixLen
		}
	}

	return m, nil
}

func loadFile(path string) (fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fileConfig{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return f, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonZero(values ...uint64) uint64 {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
