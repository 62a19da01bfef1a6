package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/bluerdma/goverbs/internal/bootstrap"
	"github.com/bluerdma/goverbs/internal/config"
	"github.com/bluerdma/goverbs/internal/engine"
	"github.com/bluerdma/goverbs/internal/inventory"
	"github.com/bluerdma/goverbs/internal/kdev"
	"github.com/bluerdma/goverbs/internal/telemetry"
	"github.com/bluerdma/goverbs/internal/verbs"
)

const (
	sendWrID  = 7
	sendImm   = 11
	cqEntries = 512
	queueCap  = 100
	dialWait  = 30 * time.Second
	pollEvery = time.Millisecond
	pollLimit = 30 * time.Second
)

func main() {
	// Set up command line flags
	flagSet := pflag.NewFlagSet("sendrecv", pflag.ExitOnError)
	config.SetupSendrecvFlags(flagSet)

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	version, _ := flagSet.GetBool("version")
	if version {
		fmt.Println("goverbs sendrecv v0.1.0")
		os.Exit(0)
	}

	createConfig, _ := flagSet.GetBool("create-config")
	if createConfig {
		configOutput, _ := flagSet.GetString("config-output")
		if err := config.CreateDefaultSendrecvConfig(configOutput); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating default config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created default configuration at %s\n", configOutput)
		os.Exit(0)
	}

	cfg, err := config.LoadSendrecvConfig(flagSet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	initLogging(cfg.LogLevel)

	var metrics *telemetry.Metrics
	if cfg.CollectorAddr != "" {
		metrics, err = telemetry.NewMetrics(context.Background(), cfg.Host, cfg.CollectorAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to set up metrics")
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metrics.Shutdown(shutdownCtx)
		}()
	}

	engineCfg := engine.Config{
		ListenAddr: cfg.DataListen,
		DataPort:   cfg.PeerDataPort,
		Metrics:    metrics,
	}
	if _, err := engine.Register(engineCfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to register backend")
	}
	devs, err := kdev.Load(1)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load adapter")
	}
	defer func() { _ = kdev.Unload() }()

	if err := run(cfg, devs[0]); err != nil {
		log.Fatal().Err(err).Bool("server", cfg.Server).Msg("Transfer failed")
	}
}

func run(cfg *config.SendrecvConfig, dev *kdev.Device) error {
	vd, ok := verbs.DeviceByName(dev.Name())
	if !ok {
		return fmt.Errorf("adapter %s not registered", dev.Name())
	}
	vctx, err := vd.Open()
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	defer vctx.Close()

	pd, err := vctx.AllocPD()
	if err != nil {
		return fmt.Errorf("alloc pd: %w", err)
	}
	// One CQ carries both send and receive completions.
	cq, err := vctx.CreateCQ(cqEntries)
	if err != nil {
		return fmt.Errorf("create cq: %w", err)
	}

	buf := make([]byte, cfg.Size)
	mr, err := pd.RegMR(buf, verbs.AccessLocalWrite|verbs.AccessRemoteWrite)
	if err != nil {
		return fmt.Errorf("register mr: %w", err)
	}

	qp, err := pd.CreateQP(&verbs.QPInitAttr{
		QPType: verbs.QPTypeRC,
		SendCQ: cq,
		RecvCQ: cq,
		Cap: verbs.QPCap{
			MaxSendWR:  queueCap,
			MaxRecvWR:  queueCap,
			MaxSendSGE: verbs.MaxSGE,
			MaxRecvSGE: verbs.MaxSGE,
		},
	})
	if err != nil {
		return fmt.Errorf("create qp: %w", err)
	}

	err = qp.Modify(&verbs.QPAttr{
		State:     verbs.QPStateInit,
		PkeyIndex: 0,
		PortNum:   1,
		Access:    verbs.AccessLocalWrite | verbs.AccessRemoteWrite,
	}, verbs.AttrState|verbs.AttrPkeyIndex|verbs.AttrPort|verbs.AttrAccessFlags)
	if err != nil {
		return fmt.Errorf("transition to INIT: %w", err)
	}

	// Out-of-band exchange: the TCP peer address also tells us where the
	// data path lives.
	conn, err := connectPeer(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	local := bootstrap.Params{RKey: mr.RKey(), Addr: mr.Addr(), QPN: qp.QPN()}
	remote, err := bootstrap.Exchange(conn, local)
	if err != nil {
		return err
	}
	log.Info().
		Uint32("dqpn", remote.QPN).
		Uint32("rkey", remote.RKey).
		Msg("Peer parameters received")

	peerIP, err := peerIPOf(conn)
	if err != nil {
		return err
	}

	err = qp.Modify(&verbs.QPAttr{
		State:           verbs.QPStateRTR,
		PathMTU:         verbs.MTU4096,
		DestQPN:         remote.QPN,
		DestGID:         verbs.GIDFromIPv4(peerIP),
		RQPSN:           0,
		MaxDestRDAtomic: 1,
		MinRNRTimer:     12,
	}, verbs.AttrState|verbs.AttrAV|verbs.AttrPathMTU|verbs.AttrDestQPN|
		verbs.AttrRQPSN|verbs.AttrMaxDestRDAtomic|verbs.AttrMinRNRTimer)
	if err != nil {
		return fmt.Errorf("transition to RTR: %w", err)
	}

	err = qp.Modify(&verbs.QPAttr{
		State:       verbs.QPStateRTS,
		Timeout:     14,
		RetryCnt:    7,
		RNRRetry:    7,
		SQPSN:       0,
		MaxRDAtomic: 1,
	}, verbs.AttrState|verbs.AttrTimeout|verbs.AttrRetryCnt|verbs.AttrRNRRetry|
		verbs.AttrSQPSN|verbs.AttrMaxRDAtomic)
	if err != nil {
		return fmt.Errorf("transition to RTS: %w", err)
	}

	if cfg.Server {
		return runServer(cfg, vctx, dev, qp, mr, cq, conn, buf)
	}
	return runClient(qp, mr, cq, conn, buf)
}

// runServer pre-posts one receive, releases the barrier and waits for
// the client's message.
func runServer(cfg *config.SendrecvConfig, vctx *verbs.Context, dev *kdev.Device,
	qp *verbs.QP, mr *verbs.MR, cq *verbs.CQ, conn net.Conn, buf []byte) error {

	if cfg.Register {
		remove, err := registerDevice(cfg, vctx, dev)
		if err != nil {
			return err
		}
		defer remove()
	}

	_, err := qp.PostRecv([]verbs.RecvWR{{
		WrID:   0,
		SGList: []verbs.SGE{{Addr: mr.Addr(), Length: uint32(len(buf)), Lkey: mr.LKey()}},
	}})
	if err != nil {
		return fmt.Errorf("post recv: %w", err)
	}

	if err := bootstrap.Ready(conn); err != nil {
		return err
	}

	wc, err := pollOne(cq)
	if err != nil {
		return err
	}
	if wc.Status != verbs.WCSuccess {
		return fmt.Errorf("receive completed with status %s", wc.Status)
	}

	valid := 0
	for _, b := range buf[:wc.ByteLen] {
		if b == 'a' {
			valid++
		}
	}
	log.Info().
		Uint32("bytes", wc.ByteLen).
		Uint32("imm", wc.Imm).
		Int("valid", valid).
		Msg("Message received")
	if valid != int(wc.ByteLen) {
		return fmt.Errorf("payload corrupt: %d of %d bytes match", valid, wc.ByteLen)
	}
	return nil
}

// runClient releases the barrier and sends one message.
func runClient(qp *verbs.QP, mr *verbs.MR, cq *verbs.CQ, conn net.Conn, buf []byte) error {
	for i := range buf {
		buf[i] = 'a'
	}

	if err := bootstrap.Ready(conn); err != nil {
		return err
	}

	_, err := qp.PostSend([]verbs.SendWR{{
		WrID:   sendWrID,
		Opcode: verbs.WRSendWithImm,
		SGList: []verbs.SGE{{Addr: mr.Addr(), Length: uint32(len(buf)), Lkey: mr.LKey()}},
		Flags:  verbs.SendSignaled,
		Imm:    sendImm,
	}})
	if err != nil {
		return fmt.Errorf("post send: %w", err)
	}

	wc, err := pollOne(cq)
	if err != nil {
		return err
	}
	if wc.Status != verbs.WCSuccess {
		return fmt.Errorf("send completed with status %s", wc.Status)
	}
	log.Info().Uint32("bytes", wc.ByteLen).Msg("Message sent")
	return nil
}

func connectPeer(cfg *config.SendrecvConfig) (net.Conn, error) {
	if cfg.Server {
		l, err := bootstrap.Listen(fmt.Sprintf(":%d", cfg.Port))
		if err != nil {
			return nil, err
		}
		return bootstrap.Accept(l)
	}
	return bootstrap.Dial(net.JoinHostPort(cfg.Peer, strconv.Itoa(cfg.Port)), dialWait)
}

func peerIPOf(conn net.Conn) (net.IP, error) {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("unexpected peer address %v", conn.RemoteAddr())
	}
	ip := addr.IP.To4()
	if ip == nil {
		return nil, fmt.Errorf("peer %s is not IPv4; the data path needs an IPv4-mapped GID", addr.IP)
	}
	return ip, nil
}

// registerDevice publishes the adapter in the fabric inventory and
// returns a cleanup that withdraws it.
func registerDevice(cfg *config.SendrecvConfig, vctx *verbs.Context, dev *kdev.Device) (func(), error) {
	inv, err := inventory.New(cfg.DatabaseURI)
	if err != nil {
		return nil, fmt.Errorf("fabric inventory: %w", err)
	}

	gid, err := vctx.QueryGID(1, 0)
	if err != nil {
		inv.Close()
		return nil, err
	}
	drv, ok := vctx.Driver().(*engine.Driver)
	if !ok {
		inv.Close()
		return nil, fmt.Errorf("device %s is not backed by the emulated data path", dev.Name())
	}

	rec := inventory.Record{
		GID:    gid.String(),
		Device: dev.Name(),
		Host:   cfg.Host,
		Addr:   drv.LocalAddr().String(),
		MAC:    dev.MacAddr(),
	}
	if err := inv.Register(context.Background(), rec); err != nil {
		inv.Close()
		return nil, err
	}

	return func() {
		if err := inv.Remove(context.Background(), rec.GID); err != nil {
			log.Warn().Err(err).Msg("Failed to withdraw inventory registration")
		}
		inv.Close()
	}, nil
}

// pollOne sleep-polls the CQ until one completion arrives.
func pollOne(cq *verbs.CQ) (verbs.WC, error) {
	deadline := time.Now().Add(pollLimit)
	wcs := make([]verbs.WC, 1)
	for {
		n, err := cq.Poll(wcs)
		if err != nil {
			return verbs.WC{}, fmt.Errorf("poll cq: %w", err)
		}
		if n > 0 {
			return wcs[0], nil
		}
		if time.Now().After(deadline) {
			return verbs.WC{}, fmt.Errorf("no completion within %s", pollLimit)
		}
		time.Sleep(pollEvery)
	}
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
