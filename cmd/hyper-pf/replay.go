package main

import (
	"fmt"
	"io"
	"net/netip"
	"os"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/igjeong/hyper-pf/config"
	"github.com/igjeong/hyper-pf/errors"
	"github.com/igjeong/hyper-pf/logging"
	"github.com/igjeong/hyper-pf/packet"
	"github.com/igjeong/hyper-pf/pf"
)

const replaySnapLen = 65535

type replayOptions struct {
	dir   pf.Direction
	iface string
	// local, when valid, picks the direction per packet: sources inside
	// it go out, everything else comes in.
	local netip.Prefix
}

func (o *replayOptions) direction(p *packet.ParsedPacket) pf.Direction {
	if o.local.IsValid() && p != nil {
		if o.local.Contains(p.Src()) {
			return pf.DirOut
		}
		return pf.DirIn
	}
	return o.dir
}

type replaySummary struct {
	Packets   int
	Skipped   int
	Written   int
	Synthetic int
	Verdicts  map[string]int
	Reasons   map[string]int
	States    int
}

func (s *replaySummary) print(w io.Writer) {
	fmt.Fprintf(w, "Packets read:     %d\n", s.Packets)
	fmt.Fprintf(w, "Skipped (non-IP): %d\n", s.Skipped)
	fmt.Fprintf(w, "Packets written:  %d\n", s.Written)
	fmt.Fprintf(w, "Synthetic:        %d\n", s.Synthetic)
	fmt.Fprintf(w, "States left:      %d\n\n", s.States)
	printIntCounters(w, "Verdicts", s.Verdicts)
	printIntCounters(w, "Reasons", s.Reasons)
}

func printIntCounters(w io.Writer, title string, m map[string]int) {
	counts := make(map[string]uint64, len(m))
	for k, v := range m {
		counts[k] = uint64(v)
	}
	printCounters(w, title, counts)
}

// replayClock follows the capture timestamps so timeouts behave as they
// did on the wire.
type replayClock struct {
	now int64
}

func (c *replayClock) Now() int64 { return c.now }

// captureSender serializes what the engine originates so it can go to
// the output capture next to the packet that caused it.
type captureSender struct {
	log    logrus.FieldLogger
	frames [][]byte
}

func (s *captureSender) SendTCP(seg packet.Segment) {
	raw, err := packet.BuildTCP(seg)
	if err != nil {
		s.log.WithError(err).WithField("segment", seg.String()).Warn("cannot build segment")
		return
	}
	s.frames = append(s.frames, raw)
}

func (s *captureSender) SendICMP(msg packet.ICMPError) {
	raw, err := packet.BuildICMPError(msg)
	if err != nil {
		s.log.WithError(err).WithField("icmp", msg.String()).Warn("cannot build icmp error")
		return
	}
	s.frames = append(s.frames, raw)
}

func (s *captureSender) drain() [][]byte {
	out := s.frames
	s.frames = nil
	return out
}

func newReplayCommand(flags *globalFlags) *cobra.Command {
	var (
		inPath, outPath string
		dir, iface      string
		local           string
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Run a packet capture through the configured rules",
		Long: "Read a pcap file, test every IP packet against the configured rules and write\n" +
			"the passed (translated) packets plus the segments the filter generates to an\n" +
			"output pcap. A verdict summary is printed at the end.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := replayOptions{iface: iface}
			switch dir {
			case "in":
				opts.dir = pf.DirIn
			case "out":
				opts.dir = pf.DirOut
			default:
				return errors.Attr(errors.New(errors.KindValidation, "direction must be in or out"), "dir", dir)
			}
			if local != "" {
				p, err := netip.ParsePrefix(local)
				if err != nil {
					return errors.Wrapf(err, errors.KindValidation, "invalid local network %q", local)
				}
				opts.local = p.Masked()
			}

			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			in, err := os.Open(inPath)
			if err != nil {
				return errors.Attr(errors.Wrap(err, errors.KindNotFound, "failed to open capture"), "path", inPath)
			}
			defer in.Close()

			var out io.Writer = io.Discard
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return errors.Attr(errors.Wrap(err, errors.KindUnavailable, "failed to create output"), "path", outPath)
				}
				defer f.Close()
				out = f
			}

			logger := logging.New(cmd.ErrOrStderr(), flags.verbose, logging.FormatText)
			sum, err := replay(in, out, cfg, opts, logger)
			if err != nil {
				return err
			}
			sum.print(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().StringVarP(&inPath, "read", "r", "", "Capture to replay")
	cmd.Flags().StringVarP(&outPath, "write", "w", "", "Where to write the passed packets")
	cmd.Flags().StringVar(&dir, "dir", "in", "Direction of every packet (in or out)")
	cmd.Flags().StringVarP(&iface, "interface", "i", "", "Interface the packets cross")
	cmd.Flags().StringVar(&local, "local", "", "Local network; sets the direction per packet from its source")
	cmd.MarkFlagRequired("read")
	return cmd
}

// replay feeds every packet of the capture in r through an engine built
// from cfg and writes the result to w as a raw IP capture.
func replay(r io.Reader, w io.Writer, cfg *config.Config, opts replayOptions, logger *logrus.Logger) (*replaySummary, error) {
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "not a pcap capture")
	}
	writer := pcapgo.NewWriter(w)
	if err := writer.WriteFileHeader(replaySnapLen, layers.LinkTypeRaw); err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "failed to write capture header")
	}

	limits, err := cfg.EngineLimits()
	if err != nil {
		return nil, err
	}
	clock := &replayClock{}
	sender := &captureSender{log: logger.WithField("component", "replay")}
	engine := pf.NewEngine(
		pf.WithLogger(logger),
		pf.WithClock(clock),
		pf.WithSender(sender),
		pf.WithHostID(cfg.Options.HostID),
		pf.WithLimits(limits),
		pf.WithReassembly(cfg.Options.Reassemble),
	)
	if err := applyConfig(engine, cfg); err != nil {
		return nil, err
	}
	purger := pf.NewPurger(engine, logger)

	sum := &replaySummary{
		Verdicts: make(map[string]int),
		Reasons:  make(map[string]int),
	}
	linkType := reader.LinkType()
	for {
		data, ci, err := reader.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			return sum, errors.Attr(errors.Wrap(err, errors.KindValidation, "truncated capture"), "packet", sum.Packets+1)
		}
		sum.Packets++

		if now := ci.Timestamp.Unix(); now > clock.now {
			if clock.now != 0 {
				purger.Tick()
			}
			clock.now = now
		}

		raw, ok := networkLayer(data, linkType)
		if !ok {
			sum.Skipped++
			continue
		}

		p, res := testReplayPacket(engine, &opts, raw)
		sum.Verdicts[res.Verdict.String()]++
		sum.Reasons[res.Reason.String()]++

		if res.Verdict == pf.VerdictPass && p != nil {
			if err := packet.ApplyRewrites(p, res.Rewrites); err != nil {
				logger.WithError(err).WithField("packet", sum.Packets).Warn("rewrite failed")
			} else if err := writePacket(writer, ci.Timestamp, p.Raw); err != nil {
				return sum, err
			} else {
				sum.Written++
			}
		}
		for _, frame := range sender.drain() {
			if err := writePacket(writer, ci.Timestamp, frame); err != nil {
				return sum, err
			}
			sum.Synthetic++
		}
	}
	sum.States = engine.Status().States
	return sum, nil
}

func testReplayPacket(engine *pf.Engine, opts *replayOptions, raw []byte) (*packet.ParsedPacket, pf.Result) {
	if !opts.local.IsValid() {
		return engine.TestRaw(opts.dir, opts.iface, raw)
	}
	p, err := packet.Parse(raw)
	if err != nil {
		// let the engine account for it
		return engine.TestRaw(opts.dir, opts.iface, raw)
	}
	return p, engine.Test(opts.direction(p), opts.iface, p)
}

func writePacket(w *pcapgo.Writer, ts time.Time, data []byte) error {
	ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)}
	if err := w.WritePacket(ci, data); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "failed to write packet")
	}
	return nil
}

// networkLayer returns the IP datagram carried by a captured frame.
func networkLayer(data []byte, lt layers.LinkType) ([]byte, bool) {
	switch lt {
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6:
		return data, len(data) > 0
	}
	pkt := gopacket.NewPacket(data, lt, gopacket.Default)
	nl := pkt.NetworkLayer()
	if nl == nil {
		return nil, false
	}
	switch nl.LayerType() {
	case layers.LayerTypeIPv4, layers.LayerTypeIPv6:
	default:
		return nil, false
	}
	raw := make([]byte, 0, len(nl.LayerContents())+len(nl.LayerPayload()))
	raw = append(raw, nl.LayerContents()...)
	return append(raw, nl.LayerPayload()...), true
}

func discardLogger() *logrus.Logger {
	return logging.New(io.Discard, false, logging.FormatText)
}
