// rtp_echo принимает RTP поток и отправляет его обратно отправителю,
// выводя события сессии и статистику. Метрики сессии доступны по /metrics.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/pion/dtls/v2/pkg/crypto/selfsign"
	pionrtp "github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/media_transport/pkg/jitter"
	"github.com/arzzra/media_transport/pkg/rtp"
	"github.com/arzzra/media_transport/pkg/sdpconfig"
)

// servingTransport транспорт с циклом чтения и счетчиками
type servingTransport interface {
	rtp.Transport
	Serve(ctx context.Context, receiver rtp.PacketReceiver) error
	Statistics() rtp.TransportStatistics
}

func main() {
	listenFlag := flag.String("listen", "0.0.0.0:5004", "Local RTP address")
	controlFlag := flag.String("control", "", "Local RTCP address (defaults to RTP port + 1 without rtcp-mux)")
	remoteFlag := flag.String("remote", "", "Remote RTP address (learned from the first packet if empty)")
	muxFlag := flag.Bool("rtcp-mux", false, "Multiplex RTP and RTCP on one port")
	mediaFlag := flag.String("media", "audio", "Media type: audio or video")
	sdpFlag := flag.String("sdp", "", "Remote SDP file to derive session parameters from")
	dtlsFlag := flag.String("dtls", "", "DTLS role: server or client (plain UDP if empty)")
	jitterFlag := flag.Bool("jitter", false, "Echo through an adaptive jitter buffer")
	metricsFlag := flag.String("metrics", ":9090", "Prometheus listen address (disabled if empty)")
	reportFlag := flag.Duration("report-interval", rtp.DefaultReportInterval, "RTCP report interval")
	debugFlag := flag.Bool("debug", false, "Debug logging")
	flag.Parse()

	consoleWriter := zerolog.ConsoleWriter{
		Out: colorable.NewColorableStdout(),
	}
	log.Logger = log.Output(consoleWriter)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debugFlag {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	mediaType := rtp.MediaTypeAudio
	switch *mediaFlag {
	case "audio":
	case "video":
		mediaType = rtp.MediaTypeVideo
	default:
		log.Fatal().Str("media", *mediaFlag).Msg("Unknown media type")
	}

	config := rtp.DefaultSessionConfig(mediaType)
	config.RTCPMux = *muxFlag
	config.ReportInterval = *reportFlag
	config.RemoveOnGoodbye = true
	config.Feedback = rtp.FeedbackNACK | rtp.FeedbackPLI | rtp.FeedbackFIR

	transportConfig := rtp.DefaultExtendedTransportConfig()
	transportConfig.LocalAddr = *listenFlag
	transportConfig.RemoteAddr = *remoteFlag
	transportConfig.DSCP = rtp.DSCPForMedia(mediaType)

	if *sdpFlag != "" {
		raw, err := os.ReadFile(*sdpFlag)
		if err != nil {
			log.Fatal().Err(err).Str("path", *sdpFlag).Msg("Unable to read SDP")
		}
		params, err := sdpconfig.Parse(raw, mediaType, nil)
		if err != nil {
			log.Fatal().Err(err).Str("path", *sdpFlag).Msg("Unable to parse SDP")
		}
		params.Apply(&config)
		params.ApplyTransport(&transportConfig.TransportConfig)

		log.Info().
			Uint32("clock-rate", params.ClockRate).
			Stringer("feedback", params.Feedback).
			Bool("rtcp-mux", params.RTCPMux).
			Str("remote", params.RemoteAddr).
			Str("remote-control", params.RemoteControlAddr).
			Msg("Session parameters derived from SDP")
	}
	transportConfig.RTCPMux = config.RTCPMux
	if !transportConfig.RTCPMux {
		transportConfig.LocalControlAddr = *controlFlag
		if transportConfig.LocalControlAddr == "" {
			transportConfig.LocalControlAddr = nextPort(*listenFlag)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport, err := openTransport(ctx, *dtlsFlag, transportConfig)
	if err != nil {
		log.Fatal().Err(err).Str("dtls", *dtlsFlag).Msg("Unable to open transport")
	}
	if *dtlsFlag != "" {
		config.RTCPMux = true
	}

	config.Transport = transport
	config.Logger = log.Logger.With().Str("component", "session").Logger()

	var session *rtp.Session
	var buffers *echoBuffers
	if *jitterFlag {
		buffers = newEchoBuffers(jitter.Config{
			ClockRate: config.ClockRate,
			Logger:    log.Logger.With().Str("component", "jitter").Logger(),
		})
	}

	echo := func(frame *rtp.Frame) {
		if _, err := session.WriteData(frame, rtp.RewriteHeader); err != nil {
			log.Debug().Err(err).Uint16("sn", frame.SequenceNumber).Msg("Echo failed")
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	config.Handlers = rtp.Handlers{
		OnFirstPacket: func(ssrc uint32, direction rtp.Direction) {
			log.Info().Uint32("ssrc", ssrc).Stringer("direction", direction).Msg("New source")
			if buffers != nil && direction == rtp.DirectionReceive {
				if err := buffers.attach(ctx, g, session, ssrc, echo); err != nil {
					log.Warn().Err(err).Uint32("ssrc", ssrc).Msg("Unable to attach jitter buffer")
				}
			}
		},
		OnPacketLoss: func(ssrc uint32, fractionLost uint8, cumulativeLost uint32) {
			log.Info().
				Uint32("ssrc", ssrc).
				Uint8("fraction-lost", fractionLost).
				Uint32("cumulative-lost", cumulativeLost).
				Msg("Remote reports loss")
		},
		OnIntraFrameRequest: func(ssrc uint32, pictureLoss bool) {
			log.Info().Uint32("ssrc", ssrc).Bool("picture-loss", pictureLoss).Msg("Intra frame requested")
		},
		OnRetransmitRequest: func(ssrc uint32, lost []uint16) {
			log.Debug().Uint32("ssrc", ssrc).Int("packets", len(lost)).Msg("Retransmission requested")
		},
		OnFlowControl: func(ssrc uint32, maxBitrate uint64, overhead uint16) {
			log.Info().Uint32("ssrc", ssrc).Uint64("max-bitrate", maxBitrate).Uint16("overhead", overhead).Msg("Flow control")
		},
		OnGoodbye: func(ssrc uint32, reason string) {
			log.Info().Uint32("ssrc", ssrc).Str("reason", reason).Msg("Source left")
		},
		OnAbort: func(err error) {
			log.Error().Err(err).Msg("Session aborted")
			stop()
		},
	}

	session, err = rtp.NewSession(config)
	if err != nil {
		log.Fatal().Err(err).Msg("Unable to create session")
	}

	if buffers != nil {
		session.Subscribe(buffers.handle)
	} else {
		session.Subscribe(func(_ uint32, frame *rtp.Frame) { echo(frame) })
	}

	g.Go(func() error {
		return transport.Serve(ctx, session)
	})

	if *metricsFlag != "" {
		collector := rtp.NewMetricsCollector(rtp.DefaultMetricsConfig())
		collector.RegisterSession(session)
		prometheus.MustRegister(collector)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Addr: *metricsFlag, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				traffic := transport.Statistics()
				log.Info().
					Str("transport", traffic.TransportType).
					Str("remote", traffic.RemoteAddr).
					Uint64("packets-sent", traffic.PacketsSent).
					Uint64("packets-received", traffic.PacketsReceived).
					Uint64("send-errors", traffic.ErrorsSend).
					Dur("uptime", traffic.GetUptime()).
					Msg("Transport")
				for _, stats := range session.AllStatistics() {
					log.Info().
						Uint32("ssrc", stats.SSRC).
						Stringer("direction", stats.Direction).
						Uint64("packets", stats.Packets).
						Uint64("lost", stats.PacketsLost).
						Dur("jitter", stats.Jitter).
						Dur("rtt", session.RoundTripTime()).
						Msg("Statistics")
				}
			}
		}
	})

	log.Info().
		Str("session", session.ID()).
		Str("listen", *listenFlag).
		Stringer("media", mediaType).
		Bool("jitter-buffer", buffers != nil).
		Msg("Echo started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Echo stopped with error")
	}

	if err := session.Close(); err != nil {
		log.Error().Err(err).Msg("Unable to close session")
	}
	log.Info().Msg("Echo stopped")
}

func openTransport(ctx context.Context, role string, config rtp.ExtendedTransportConfig) (servingTransport, error) {
	switch role {
	case "":
		return rtp.NewUDPTransport(config)
	case "server", "client":
	default:
		return nil, errors.New("unknown DTLS role " + role)
	}

	certificate, err := selfsign.GenerateSelfSigned()
	if err != nil {
		return nil, err
	}

	dtlsConfig := rtp.DefaultDTLSTransportConfig()
	dtlsConfig.LocalAddr = config.LocalAddr
	dtlsConfig.RemoteAddr = config.RemoteAddr
	dtlsConfig.Certificates = []tls.Certificate{certificate}
	// Самоподписанные сертификаты, отпечаток проверяется сигнализацией
	dtlsConfig.InsecureSkipVerify = true

	if role == "server" {
		return rtp.AcceptDTLS(ctx, dtlsConfig)
	}
	return rtp.DialDTLS(ctx, dtlsConfig)
}

// echoBuffers буферы воспроизведения, по одному на принимающий источник
type echoBuffers struct {
	mutex   sync.Mutex
	config  jitter.Config
	buffers map[uint32]*jitter.Buffer
}

func newEchoBuffers(config jitter.Config) *echoBuffers {
	return &echoBuffers{config: config, buffers: make(map[uint32]*jitter.Buffer)}
}

// attach создает буфер источника и запускает его воспроизведение
func (b *echoBuffers) attach(ctx context.Context, g *errgroup.Group, session *rtp.Session, ssrc uint32, echo func(*rtp.Frame)) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if _, ok := b.buffers[ssrc]; ok {
		return nil
	}
	buffer, err := jitter.New(b.config)
	if err != nil {
		return err
	}
	if err := session.SetJitterBuffer(ssrc, buffer); err != nil {
		return err
	}
	b.buffers[ssrc] = buffer

	played := make(chan *pionrtp.Packet, 64)
	g.Go(func() error {
		return buffer.Run(ctx, played)
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case packet := <-played:
				echo(&rtp.Frame{Packet: *packet})
			}
		}
	})
	return nil
}

// handle передает кадр буферу его источника
func (b *echoBuffers) handle(ssrc uint32, frame *rtp.Frame) {
	b.mutex.Lock()
	buffer := b.buffers[ssrc]
	b.mutex.Unlock()
	if buffer != nil {
		buffer.Handle(ssrc, frame)
	}
}

// nextPort адрес RTCP по умолчанию: порт RTP + 1
func nextPort(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return ""
	}
	n, err := strconv.Atoi(port)
	if err != nil || n == 0 {
		return net.JoinHostPort(host, "0")
	}
	return net.JoinHostPort(host, strconv.Itoa(n+1))
}
