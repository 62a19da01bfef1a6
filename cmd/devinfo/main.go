package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/bluerdma/goverbs/internal/config"
	"github.com/bluerdma/goverbs/internal/engine"
	"github.com/bluerdma/goverbs/internal/inventory"
	"github.com/bluerdma/goverbs/internal/kdev"
	"github.com/bluerdma/goverbs/internal/verbs"
)

func main() {
	// Set up command line flags
	flagSet := pflag.NewFlagSet("devinfo", pflag.ExitOnError)
	config.SetupDevinfoFlags(flagSet)

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	version, _ := flagSet.GetBool("version")
	if version {
		fmt.Println("goverbs devinfo v0.1.0")
		os.Exit(0)
	}

	createConfig, _ := flagSet.GetBool("create-config")
	if createConfig {
		configOutput, _ := flagSet.GetString("config-output")
		if err := config.CreateDefaultDevinfoConfig(configOutput); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating default config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created default configuration at %s\n", configOutput)
		os.Exit(0)
	}

	cfg, err := config.LoadDevinfoConfig(flagSet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	initLogging(cfg.LogLevel)

	// Bring up the backend and the emulated adapters, the way loading
	// the two kernel modules would.
	if _, err := engine.Register(engine.Config{ListenAddr: "127.0.0.1:0"}); err != nil {
		log.Fatal().Err(err).Msg("Failed to register backend")
	}
	devs, err := kdev.Load(kdev.DefaultDeviceCount)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load adapters")
	}
	defer func() { _ = kdev.Unload() }()

	shown := 0
	for _, d := range devs {
		if cfg.Device != "" && d.Name() != cfg.Device {
			continue
		}
		if err := printDevice(d, cfg.Verbose); err != nil {
			log.Fatal().Err(err).Str("device", d.Name()).Msg("Failed to query device")
		}
		shown++
	}
	if cfg.Device != "" && shown == 0 {
		log.Fatal().Str("device", cfg.Device).Msg("No such device")
	}

	if cfg.Fabric {
		if err := printFabric(cfg.DatabaseURI); err != nil {
			log.Fatal().Err(err).Msg("Failed to read fabric inventory")
		}
	}
}

func printDevice(d *kdev.Device, verbose bool) error {
	attr := d.DeviceAttr()
	fmt.Printf("hca_id: %s\n", d.Name())
	fmt.Printf("\tfw_ver:         %s\n", attr.FWVersion)
	fmt.Printf("\tnode_guid:      %04x:%04x:%04x:%04x\n",
		uint16(attr.NodeGUID>>48), uint16(attr.NodeGUID>>32),
		uint16(attr.NodeGUID>>16), uint16(attr.NodeGUID))
	fmt.Printf("\tnetdev:         %s\n", d.NetDev().Name())
	fmt.Printf("\tmac:            %s\n", d.MacAddr())
	fmt.Printf("\tphys_port_cnt:  %d\n", attr.PhysPortCnt)
	if verbose {
		fmt.Printf("\tmax_qp:         %d\n", attr.MaxQP)
		fmt.Printf("\tmax_cq:         %d\n", attr.MaxCQ)
		fmt.Printf("\tmax_mr:         %d\n", attr.MaxMR)
		fmt.Printf("\tmax_pd:         %d\n", attr.MaxPD)
		fmt.Printf("\tmax_qp_wr:      %d\n", attr.MaxQPWR)
		fmt.Printf("\tmax_sge:        %d\n", attr.MaxSGE)
		fmt.Printf("\tmax_cqe:        %d\n", attr.MaxCQE)
		fmt.Printf("\tmax_rd_atomic:  %d\n", attr.MaxRDAtomic)
	}

	for port := uint8(1); port <= attr.PhysPortCnt; port++ {
		pa, err := d.PortAttr(port)
		if err != nil {
			return err
		}
		fmt.Printf("\t\tport:   %d\n", port)
		fmt.Printf("\t\t\tstate:          %s\n", pa.State)
		fmt.Printf("\t\t\tmax_mtu:        %d\n", pa.MaxMTU.Bytes())
		fmt.Printf("\t\t\tactive_mtu:     %d\n", pa.ActiveMTU.Bytes())
		fmt.Printf("\t\t\tgid_tbl_len:    %d\n", pa.GIDTblLen)
		fmt.Printf("\t\t\tpkey_tbl_len:   %d\n", pa.PkeyTblLen)
		if verbose {
			for i := 0; i < pa.PkeyTblLen; i++ {
				pkey, err := d.QueryPkey(port, i)
				if err != nil {
					return err
				}
				fmt.Printf("\t\t\tpkey[%d]:        0x%04x\n", i, pkey)
			}
			fmt.Printf("\t\t\tgids:\n")
			for i := 0; i < pa.GIDTblLen; i++ {
				gid, err := d.QueryGID(port, i)
				if err != nil {
					continue // empty slot
				}
				fmt.Printf("\t\t\t\t[%2d] %s\n", i, gid)
			}
		}
	}

	if verbose {
		if err := printSlots(d); err != nil {
			return err
		}
	}
	fmt.Println()
	return nil
}

// printSlots opens a context against the device and reports where each
// dispatch slot resolved, core or backend.
func printSlots(d *kdev.Device) error {
	vd, ok := verbs.DeviceByName(d.Name())
	if !ok {
		return fmt.Errorf("device %s not registered with the verbs core", d.Name())
	}
	ctx, err := vd.Open()
	if err != nil {
		return err
	}
	defer ctx.Close()

	fmt.Printf("\tdispatch (backend %s):\n", d.BackendName())
	for _, s := range ctx.Slots() {
		fmt.Printf("\t\t%-16s %s\n", s.Name, s.Source)
	}
	return nil
}

func printFabric(dbURI string) error {
	inv, err := inventory.New(dbURI)
	if err != nil {
		return err
	}
	defer inv.Close()

	recs, err := inv.List(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("fabric inventory (%d devices):\n", len(recs))
	for _, r := range recs {
		fmt.Printf("\t%s  %s  %s  %s  %s  %s\n",
			r.GID, r.Device, r.Host, r.Addr, r.MAC, r.LastUpdated)
	}
	return nil
}

// initLogging initializes the logging configuration
func initLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}
