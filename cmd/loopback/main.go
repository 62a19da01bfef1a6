package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/bluerdma/goverbs/internal/config"
	"github.com/bluerdma/goverbs/internal/engine"
	"github.com/bluerdma/goverbs/internal/kdev"
	"github.com/bluerdma/goverbs/internal/telemetry"
	"github.com/bluerdma/goverbs/internal/verbs"
)

const (
	cqEntries = 512
	queueCap  = 100
	writeWrID = 17
	pollEvery = time.Millisecond
	pollLimit = 5 * time.Second
)

func main() {
	// Set up command line flags
	flagSet := pflag.NewFlagSet("loopback", pflag.ExitOnError)
	config.SetupLoopbackFlags(flagSet)

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	version, _ := flagSet.GetBool("version")
	if version {
		fmt.Println("goverbs loopback v0.1.0")
		os.Exit(0)
	}

	createConfig, _ := flagSet.GetBool("create-config")
	if createConfig {
		configOutput, _ := flagSet.GetString("config-output")
		if err := config.CreateDefaultLoopbackConfig(configOutput); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating default config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created default configuration at %s\n", configOutput)
		os.Exit(0)
	}

	cfg, err := config.LoadLoopbackConfig(flagSet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	initLogging(cfg.LogLevel)

	var metrics *telemetry.Metrics
	if cfg.CollectorAddr != "" {
		metrics, err = telemetry.NewMetrics(context.Background(), "loopback", cfg.CollectorAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to set up metrics")
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metrics.Shutdown(shutdownCtx)
		}()
	}

	if _, err := engine.Register(engine.Config{ListenAddr: cfg.DataListen, Metrics: metrics}); err != nil {
		log.Fatal().Err(err).Msg("Failed to register backend")
	}
	if _, err := kdev.Load(1); err != nil {
		log.Fatal().Err(err).Msg("Failed to load adapter")
	}
	defer func() { _ = kdev.Unload() }()

	if err := run(cfg.Size); err != nil {
		log.Fatal().Err(err).Msg("Loopback check failed")
	}
	log.Info().Int("bytes", cfg.Size).Msg("Loopback RDMA_WRITE verified")
}

// run moves size bytes between the halves of one registered buffer with
// a single RDMA_WRITE over a pair of locally connected QPs, then checks
// the copy.
func run(size int) error {
	dev, ok := verbs.DeviceByName("bluerdma0")
	if !ok {
		return fmt.Errorf("adapter bluerdma0 not registered")
	}
	vctx, err := dev.Open()
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	defer vctx.Close()

	gid, err := vctx.QueryGID(1, 0)
	if err != nil {
		return fmt.Errorf("query gid: %w", err)
	}

	pd, err := vctx.AllocPD()
	if err != nil {
		return fmt.Errorf("alloc pd: %w", err)
	}

	sendCQ, err := vctx.CreateCQ(cqEntries)
	if err != nil {
		return fmt.Errorf("create send cq: %w", err)
	}
	recvCQ, err := vctx.CreateCQ(cqEntries)
	if err != nil {
		return fmt.Errorf("create recv cq: %w", err)
	}

	// One registration covers both the source and the landing halves.
	buf := make([]byte, 2*size)
	mr, err := pd.RegMR(buf, verbs.AccessLocalWrite|verbs.AccessRemoteWrite)
	if err != nil {
		return fmt.Errorf("register mr: %w", err)
	}
	src := buf[:size]
	dst := buf[size:]
	for i := range src {
		src[i] = byte(i)
	}

	initAttr := &verbs.QPInitAttr{
		QPType: verbs.QPTypeRC,
		SendCQ: sendCQ,
		RecvCQ: recvCQ,
		Cap: verbs.QPCap{
			MaxSendWR:  queueCap,
			MaxRecvWR:  queueCap,
			MaxSendSGE: verbs.MaxSGE,
			MaxRecvSGE: verbs.MaxSGE,
		},
	}
	qpA, err := pd.CreateQP(initAttr)
	if err != nil {
		return fmt.Errorf("create qp A: %w", err)
	}
	qpB, err := pd.CreateQP(initAttr)
	if err != nil {
		return fmt.Errorf("create qp B: %w", err)
	}

	if err := connect(qpA, qpB.QPN(), gid); err != nil {
		return fmt.Errorf("connect qp A: %w", err)
	}
	if err := connect(qpB, qpA.QPN(), gid); err != nil {
		return fmt.Errorf("connect qp B: %w", err)
	}

	_, err = qpA.PostSend([]verbs.SendWR{{
		WrID:       writeWrID,
		Opcode:     verbs.WRRDMAWrite,
		SGList:     []verbs.SGE{{Addr: mr.Addr(), Length: uint32(size), Lkey: mr.LKey()}},
		Flags:      verbs.SendSignaled,
		RemoteAddr: mr.Addr() + uint64(size),
		RKey:       mr.RKey(),
	}})
	if err != nil {
		return fmt.Errorf("post rdma write: %w", err)
	}

	wc, err := pollOne(sendCQ)
	if err != nil {
		return err
	}
	if wc.Status != verbs.WCSuccess {
		return fmt.Errorf("write completed with status %s", wc.Status)
	}
	if wc.WrID != writeWrID {
		return fmt.Errorf("unexpected wr_id %d", wc.WrID)
	}
	if !bytes.Equal(src, dst) {
		return fmt.Errorf("destination does not match source after RDMA_WRITE")
	}

	// Teardown mirrors setup in reverse.
	if err := qpB.Destroy(); err != nil {
		return fmt.Errorf("destroy qp B: %w", err)
	}
	if err := qpA.Destroy(); err != nil {
		return fmt.Errorf("destroy qp A: %w", err)
	}
	if err := mr.Dereg(); err != nil {
		return fmt.Errorf("deregister mr: %w", err)
	}
	if err := recvCQ.Destroy(); err != nil {
		return fmt.Errorf("destroy recv cq: %w", err)
	}
	if err := sendCQ.Destroy(); err != nil {
		return fmt.Errorf("destroy send cq: %w", err)
	}
	if err := pd.Dealloc(); err != nil {
		return fmt.Errorf("dealloc pd: %w", err)
	}
	return nil
}

// connect drives one QP to RTS against the named peer.
func connect(qp *verbs.QP, destQPN uint32, gid verbs.GID) error {
	err := qp.Modify(&verbs.QPAttr{
		State:     verbs.QPStateInit,
		PkeyIndex: 0,
		PortNum:   1,
		Access:    verbs.AccessLocalWrite | verbs.AccessRemoteWrite,
	}, verbs.AttrState|verbs.AttrPkeyIndex|verbs.AttrPort|verbs.AttrAccessFlags)
	if err != nil {
		return err
	}

	err = qp.Modify(&verbs.QPAttr{
		State:           verbs.QPStateRTR,
		PathMTU:         verbs.MTU4096,
		DestQPN:         destQPN,
		DestGID:         gid,
		RQPSN:           0,
		MaxDestRDAtomic: 1,
		MinRNRTimer:     12,
	}, verbs.AttrState|verbs.AttrAV|verbs.AttrPathMTU|verbs.AttrDestQPN|
		verbs.AttrRQPSN|verbs.AttrMaxDestRDAtomic|verbs.AttrMinRNRTimer)
	if err != nil {
		return err
	}

	return qp.Modify(&verbs.QPAttr{
		State:       verbs.QPStateRTS,
		Timeout:     14,
		RetryCnt:    7,
		RNRRetry:    7,
		SQPSN:       0,
		MaxRDAtomic: 1,
	}, verbs.AttrState|verbs.AttrTimeout|verbs.AttrRetryCnt|verbs.AttrRNRRetry|
		verbs.AttrSQPSN|verbs.AttrMaxRDAtomic)
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
