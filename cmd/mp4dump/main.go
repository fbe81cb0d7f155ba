// Command mp4dump demuxes an MP4 file and prints its tracks, and optionally
// its samples or its box structure.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	console "github.com/phsym/console-slog"

	"github.com/tetsuo/isodemux"
	"github.com/tetsuo/isodemux/demux"
	"github.com/tetsuo/isodemux/input"
	"github.com/tetsuo/isodemux/track"
)

// Format specifies the output format.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// BoxNode is a box in the tree structure.
type BoxNode struct {
	Type       string         `json:"type"`
	Offset     int64          `json:"offset"`
	Size       int64          `json:"size"`
	Version    *uint8         `json:"version,omitempty"`
	Flags      *uint32        `json:"flags,omitempty"`
	Info       map[string]any `json:"info,omitempty"`
	DataLength *int64         `json:"dataLength,omitempty"`
	Children   []*BoxNode     `json:"children,omitempty"`
}

// Report is the JSON form of a demuxed file.
type Report struct {
	Kind       string                  `json:"kind"`
	DurationUs int64                   `json:"durationUs"`
	Seekable   bool                    `json:"seekable"`
	Tracks     []*demux.CollectedTrack `json:"tracks"`
}

func main() {
	formatFlag := flag.String("format", "text", "output format: text (default), json")
	samples := flag.Bool("samples", false, "print every sample")
	boxes := flag.Bool("boxes", false, "print the box structure instead of tracks")
	configPath := flag.String("config", "", "YAML reader configuration")
	verbose := flag.Bool("v", false, "log debug messages")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <file.mp4>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	format := FormatText
	switch strings.ToLower(*formatFlag) {
	case "json":
		format = FormatJSON
	case "text":
		format = FormatText
	default:
		fmt.Fprintf(os.Stderr, "unknown format: %s\n", *formatFlag)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(console.NewHandler(os.Stderr, &console.HandlerOptions{
		Level:      level,
		TimeFormat: "15:04:05.000",
	}))

	cfg := demux.Config{}
	if *configPath != "" {
		var err error
		if cfg, err = loadConfig(*configPath); err != nil {
			logger.Error("loading config", "path", *configPath, "err", err)
			os.Exit(1)
		}
	}
	cfg.Logger = logger

	in, err := input.Open(flag.Arg(0))
	if err != nil {
		logger.Error("opening file", "err", err)
		os.Exit(1)
	}
	defer in.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *boxes {
		nodes, err := buildTree(in)
		if err != nil {
			logger.Error("reading boxes", "err", err)
			os.Exit(1)
		}
		printTree(os.Stdout, nodes, format)
		return
	}

	report, err := run(ctx, in, cfg, *samples)
	if err != nil {
		logger.Error("demuxing", "err", err)
		os.Exit(1)
	}
	printReport(os.Stdout, report, format, *samples)
}

func loadConfig(path string) (demux.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return demux.Config{}, err
	}
	defer f.Close()
	return demux.LoadConfig(f)
}

// run demuxes in. Sample bytes are never kept; sample metadata only when
// withSamples is set.
func run(ctx context.Context, in input.Seeker, cfg demux.Config, withSamples bool) (*Report, error) {
	kind, err := mp4.SniffKind(in)
	if err != nil {
		return nil, err
	}
	ex, err := demux.New(in, cfg)
	if err != nil {
		return nil, err
	}
	c := &demux.Collector{DiscardData: true}
	if err := demux.Run(ctx, ex, in, c); err != nil {
		return nil, err
	}

	r := &Report{Kind: kind.String(), DurationUs: track.DurationUnknown, Tracks: c.Tracks}
	if c.Seek != nil {
		r.DurationUs = c.Seek.DurationUs()
		r.Seekable = c.Seek.Seekable()
	}
	if !withSamples {
		for _, t := range r.Tracks {
			t.Samples = nil
		}
	}
	return r, nil
}

func printReport(w io.Writer, r *Report, format Format, withSamples bool) {
	if format == FormatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(r); err != nil {
			fmt.Fprintf(os.Stderr, "error encoding JSON: %v\n", err)
		}
		return
	}

	fmt.Fprintf(w, "%s duration=%s seekable=%t\n", r.Kind, formatUs(r.DurationUs), r.Seekable)
	for _, t := range r.Tracks {
		fmt.Fprintf(w, "track %d %s", t.ID, t.Kind)
		if f := t.LastFormat(); f != nil {
			printFormat(w, f)
		}
		fmt.Fprintln(w)
		if !withSamples {
			continue
		}
		for i, s := range t.Samples {
			fmt.Fprintf(w, "  #%d t=%s size=%d", i, formatUs(s.TimeUs), s.Size)
			if s.Flags&demux.FlagSync != 0 {
				fmt.Fprint(w, " sync")
			}
			if s.Crypto != nil {
				fmt.Fprintf(w, " %s kid=%s iv=%x", s.Crypto.Mode, s.Crypto.KeyID, s.Crypto.IV)
			}
			fmt.Fprintln(w)
		}
	}
}

func printFormat(w io.Writer, f *track.Format) {
	fmt.Fprintf(w, " %s", f.SampleMimeType)
	if f.Codecs != "" {
		fmt.Fprintf(w, " codecs=%s", f.Codecs)
	}
	if f.Width > 0 && f.Height > 0 {
		fmt.Fprintf(w, " %dx%d", f.Width, f.Height)
	}
	if f.FrameRate > 0 {
		fmt.Fprintf(w, " fps=%.3f", f.FrameRate)
	}
	if f.SampleRate > 0 {
		fmt.Fprintf(w, " rate=%d ch=%d", f.SampleRate, f.Channels)
	}
	if f.Language != "" {
		fmt.Fprintf(w, " lang=%s", f.Language)
	}
	if f.MaxInputSize > 0 {
		fmt.Fprintf(w, " maxInput=%d", f.MaxInputSize)
	}
	if f.DRMInitData != nil {
		fmt.Fprintf(w, " drm=%s/%d", f.DRMInitData.SchemeType, len(f.DRMInitData.Schemes))
	}
}

func formatUs(us int64) string {
	if us == track.DurationUnknown {
		return "unknown"
	}
	return fmt.Sprintf("%.6fs", float64(us)/1e6)
}

// buildTree reads the whole input with a BoxReader and returns the
// top-level boxes.
func buildTree(in mp4.Input) ([]*BoxNode, error) {
	br := mp4.NewBoxReader(nil)
	var root []*BoxNode
	var stack []*BoxNode
	add := func(n *BoxNode) {
		if len(stack) == 0 {
			root = append(root, n)
			return
		}
		parent := stack[len(stack)-1]
		parent.Children = append(parent.Children, n)
	}
	for {
		ev, err := br.Next(in)
		if err != nil {
			return root, err
		}
		h := ev.Header
		switch ev.Kind {
		case mp4.EventEndOfInput:
			return root, nil
		case mp4.EventNeedMoreData:
			return root, io.ErrUnexpectedEOF
		case mp4.EventContainerOpen:
			n := &BoxNode{Type: h.Type.String(), Offset: h.Position, Size: h.Size}
			add(n)
			stack = append(stack, n)
		case mp4.EventContainerClose:
			stack = stack[:len(stack)-1]
		case mp4.EventLeaf:
			add(leafNode(h, ev.Leaf))
		case mp4.EventOpaque:
			n := &BoxNode{Type: h.Type.String(), Offset: h.Position, Size: h.Size}
			if h.Type == mp4.TypeMdat {
				dataLen := h.PayloadSize()
				n.DataLength = &dataLen
			}
			add(n)
		}
	}
}

func leafNode(h mp4.Header, l *mp4.Leaf) *BoxNode {
	n := &BoxNode{Type: h.Type.String(), Offset: h.Position, Size: h.Size}
	if mp4.IsFullBox(h.Type) {
		v, f := l.Version(), l.Flags()
		n.Version, n.Flags = &v, &f
	}
	info := map[string]any{}
	switch h.Type {
	case mp4.TypeFtyp:
		if f, err := mp4.ParseFtyp(l.Data()); err == nil {
			info["brand"] = f.MajorBrand.String()
			info["version"] = f.MinorVersion
			compat := make([]string, len(f.Compatible))
			for i, c := range f.Compatible {
				compat[i] = c.String()
			}
			info["compatible"] = compat
		}
	case mp4.TypeMvhd:
		if m, err := mp4.ParseMvhd(l); err == nil {
			info["timescale"] = m.Timescale
			info["duration"] = m.Duration
		}
	case mp4.TypeTkhd:
		if t, err := mp4.ParseTkhd(l); err == nil {
			info["trackId"] = t.TrackID
			info["duration"] = t.Duration
		}
	case mp4.TypeMdhd:
		if m, err := mp4.ParseMdhd(l); err == nil {
			info["timescale"] = m.Timescale
			info["duration"] = m.Duration
			info["language"] = m.Language
		}
	case mp4.TypeHdlr:
		if t, err := mp4.ParseHdlr(l); err == nil {
			info["handlerType"] = t.String()
		}
	case mp4.TypeMehd:
		if d, err := mp4.ParseMehd(l); err == nil {
			info["fragmentDuration"] = d
		}
	case mp4.TypeTrex:
		if t, err := mp4.ParseTrex(l); err == nil {
			info["trackId"] = t.TrackID
		}
	case mp4.TypeTfhd:
		if t, err := mp4.ParseTfhd(l); err == nil {
			info["trackId"] = t.TrackID
		}
	case mp4.TypeTfdt:
		if d, err := mp4.ParseTfdt(l); err == nil {
			info["baseMediaDecodeTime"] = d
		}
	case mp4.TypeTrun:
		if it, err := mp4.NewTrunIter(l); err == nil {
			info["entries"] = it.Count()
			if it.Has(mp4.TrunDataOffsetPresent) {
				info["dataOffset"] = it.DataOffset()
			}
		}
	}
	if len(info) > 0 {
		n.Info = info
	}
	return n
}

// printTree prints the tree in the specified format
func printTree(w io.Writer, nodes []*BoxNode, format Format) {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(nodes); err != nil {
			fmt.Fprintf(os.Stderr, "error encoding JSON: %v\n", err)
		}
	case FormatText:
		for _, node := range nodes {
			printNodeText(w, node, 0)
		}
	}
}

// infoKeys orders and abbreviates the info fields printed in text form.
var infoKeys = []struct{ key, label string }{
	{"brand", "brand"},
	{"version", "ver"},
	{"timescale", "timescale"},
	{"duration", "duration"},
	{"trackId", "trackId"},
	{"language", "lang"},
	{"handlerType", "type"},
	{"fragmentDuration", "fragmentDuration"},
	{"baseMediaDecodeTime", "baseMediaDecodeTime"},
	{"entries", "entries"},
	{"dataOffset", "dataOffset"},
}

// printNodeText prints a single node in text format
func printNodeText(w io.Writer, node *BoxNode, depth int) {
	indent := strings.Repeat("  ", depth)

	fmt.Fprintf(w, "%s[%s] @%d size=%d", indent, node.Type, node.Offset, node.Size)

	if node.Version != nil {
		fmt.Fprintf(w, " v=%d", *node.Version)
	}
	if node.Flags != nil {
		fmt.Fprintf(w, " flags=0x%06x", *node.Flags)
	}
	for _, k := range infoKeys {
		if v, ok := node.Info[k.key]; ok {
			fmt.Fprintf(w, " %s=%v", k.label, v)
		}
	}
	if compat, ok := node.Info["compatible"].([]string); ok && len(compat) > 0 {
		fmt.Fprintf(w, " compat=[%s]", strings.Join(compat, ","))
	}
	if node.DataLength != nil {
		fmt.Fprintf(w, " dataLen=%d", *node.DataLength)
	}

	fmt.Fprintln(w)

	for _, child := range node.Children {
		printNodeText(w, child, depth+1)
	}
}
