package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pv/buslog-go/internal/playback"
	"github.com/pv/buslog-go/internal/recorder"
	"github.com/pv/buslog-go/internal/storage"
	"github.com/pv/buslog-go/internal/transport"
	"github.com/pv/buslog-go/pkg/config"

	_ "github.com/pv/buslog-go/internal/storage/clickhouse"
	_ "github.com/pv/buslog-go/internal/storage/influxdb"
	_ "github.com/pv/buslog-go/internal/storage/memstore"
	_ "github.com/pv/buslog-go/internal/storage/postgres"
	_ "github.com/pv/buslog-go/internal/storage/sqlite"
)

type options struct {
	configYAML  string
	mode        string
	dest        string
	confile     string
	topicSet    string
	exclude     string
	broker      string
	clientID    string
	window      time.Duration
	duration    time.Duration
	seek        time.Duration
	output      string
	logFile     string
	version     bool
	generateCfg string
}

const version = "0.4.0-dev"

func main() {
	opts := parseFlags()

	if opts.version {
		fmt.Println("buslog", version)
		return
	}

	if err := configureLogging(opts.logFile); err != nil {
		log.Fatalf("log file: %v", err)
	}

	if opts.generateCfg != "" {
		if err := generateExampleConfig(opts.generateCfg); err != nil {
			log.Fatalf("write example config: %v", err)
		}
		return
	}

	var cfg *config.Config
	if opts.confile != "" {
		loaded, err := config.Load(opts.confile)
		if err != nil {
			log.Fatalf("failed to load config %s: %v", opts.confile, err)
		}
		cfg = loaded
	}

	dest := cfg.Destination(opts.dest)
	if dest == "" {
		log.Fatalf("--db is required (destination string or alias from --confile)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch strings.ToLower(opts.mode) {
	case "record":
		runRecord(ctx, opts, cfg, dest)
	case "play":
		runPlay(ctx, opts, cfg, dest)
	case "info":
		runInfo(ctx, dest)
	default:
		log.Fatalf("unsupported --mode value: %s (expected record, play or info)", opts.mode)
	}
}

func parseFlags() options {
	var opt options

	flag.StringVar(&opt.configYAML, "config-yaml", "", "path to YAML file with default flag values")
	flag.StringVar(&opt.mode, "mode", "", "operation mode: record | play | info")
	flag.StringVar(&opt.dest, "db", "", "log destination (file:bus.db, postgres://..., mem://name) or alias from --confile")
	flag.StringVar(&opt.confile, "confile", "", "path to destinations/topic sets configuration (YAML/JSON)")
	flag.StringVar(&opt.topicSet, "topics", "ALL", "topic selector: ALL, set name from config, glob pattern or comma list")
	flag.StringVar(&opt.exclude, "exclude", "", "topics to exclude (same selector syntax)")
	flag.StringVar(&opt.broker, "broker", "", "MQTT broker URL (tcp://localhost:1883); required for record")
	flag.StringVar(&opt.clientID, "client-id", "buslog", "MQTT client identifier")
	flag.DurationVar(&opt.window, "window", 0, "preload window from the log (0 for storage default)")
	flag.DurationVar(&opt.duration, "duration", 0, "recording duration; 0 means until SIGINT")
	flag.DurationVar(&opt.seek, "seek", -1, "start playback from the given offset (e.g. 30s)")
	flag.StringVar(&opt.output, "output", "", "playback output: MQTT broker URL or stdout (default: --broker value)")
	flag.StringVar(&opt.logFile, "log-file", "", "write logs to file instead of stderr")
	flag.BoolVar(&opt.version, "version", false, "print version and exit")
	flag.StringVar(&opt.generateCfg, "generate-config", "", "write example YAML config to file (use '-' for stdout)")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintln(flag.CommandLine.Output(), "Message bus recorder and player. Examples:")
		fmt.Fprintf(flag.CommandLine.Output(), "  %s --mode record --broker tcp://localhost:1883 --db file:bus.db --topics 'sensors/*'\n", os.Args[0])
		fmt.Fprintf(flag.CommandLine.Output(), "  %s --mode play --db file:bus.db --output stdout\n\n", os.Args[0])
		flag.PrintDefaults()
	}

	if cfgPath := findConfigYAML(os.Args[1:]); cfgPath != "" {
		if err := applyYAMLDefaults(cfgPath); err != nil {
			log.Fatalf("failed to apply --config-yaml: %v", err)
		}
		_ = flag.CommandLine.Set("config-yaml", cfgPath)
	}

	flag.Parse()
	return opt
}

func runRecord(ctx context.Context, opts options, cfg *config.Config, dest string) {
	if opts.broker == "" {
		log.Fatalf("--broker is required for --mode record")
	}
	bus, err := transport.DialMQTT(opts.broker, opts.clientID)
	if err != nil {
		log.Fatalf("mqtt connect: %v", err)
	}
	defer bus.Close()

	rec := recorder.New(bus)
	if err := applySelection(cfg, opts.topicSet, opts.exclude, bus.Topics(),
		func(t string) { rec.AddTopic(t) },
		func(t string) { rec.RemoveTopic(t) }); err != nil {
		log.Fatalf("resolve --topics: %v", err)
	}

	if err := rec.Start(ctx, dest); err != nil {
		log.Fatalf("recorder start: %v", err)
	}
	log.Printf("recording to %s (Ctrl+C to stop)", dest)

	if opts.duration > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(opts.duration):
		}
	} else {
		<-ctx.Done()
	}
	rec.Stop()
	log.Printf("recording stopped")
}

func runPlay(ctx context.Context, opts options, cfg *config.Config, dest string) {
	bus, err := openOutput(opts)
	if err != nil {
		log.Fatalf("output: %v", err)
	}

	store, err := storage.Open(ctx, dest)
	if err != nil {
		log.Fatalf("open log: %v", err)
	}
	defer store.Close()

	pb := playback.NewWithStore(store, bus)
	if opts.window > 0 {
		pb.SetWindow(opts.window)
	}

	if err := applySelection(cfg, opts.topicSet, opts.exclude, topicNames(ctx, store),
		func(t string) {
			if !pb.AddTopic(t) {
				log.Printf("topic %s is not in the log, skipped", t)
			}
		},
		func(t string) { pb.RemoveTopic(t) }); err != nil {
		log.Fatalf("resolve --topics: %v", err)
	}

	h, err := pb.Start(ctx)
	if err != nil {
		log.Fatalf("playback start: %v", err)
	}
	if opts.seek >= 0 {
		h.Seek(opts.seek)
	}
	log.Printf("playing %s: %s .. %s", dest, h.StartTime(), h.EndTime())

	go func() {
		<-ctx.Done()
		h.Stop()
	}()
	h.WaitUntilFinished()
	if h.Finished() {
		log.Printf("playback finished at %s", h.CurrentTime())
	} else {
		log.Printf("playback stopped at %s", h.CurrentTime())
	}
}

func runInfo(ctx context.Context, dest string) {
	store, err := storage.Open(ctx, dest)
	if err != nil {
		log.Fatalf("open log: %v", err)
	}
	defer store.Close()

	sess, err := store.Session(ctx)
	if err == nil && sess.ID != "" {
		fmt.Printf("Session: %s (started %s)\n", sess.ID, sess.StartedAt.Format(time.RFC3339))
	}

	infos, err := store.Topics(ctx)
	if err != nil {
		log.Fatalf("read topics: %v", err)
	}
	if len(infos) == 0 {
		fmt.Println("Log is empty")
		return
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	min, max, count, err := store.Range(ctx, names)
	if err != nil {
		log.Fatalf("read range: %v", err)
	}
	fmt.Printf("Range: %s .. %s (%d messages)\n", min, max, count)
	fmt.Printf("Topics (%d):\n", len(infos))
	for _, info := range infos {
		fmt.Printf("  %-40s %8d  %s .. %s\n", info.Name, info.Count, info.First, info.Last)
	}
}

// applySelection разворачивает селекторы включения и исключения против
// известных тем и применяет их к получателю.
func applySelection(cfg *config.Config, selector, exclude string, known []string, add, remove func(string)) error {
	if selector != "" && !strings.EqualFold(selector, "ALL") {
		topics, err := cfg.Resolve(selector, known)
		if err != nil {
			return err
		}
		for _, t := range topics {
			add(t)
		}
	}
	if exclude != "" {
		topics, err := cfg.Resolve(exclude, known)
		if err != nil {
			return err
		}
		for _, t := range topics {
			remove(t)
		}
	}
	return nil
}

func openOutput(opts options) (transport.Transport, error) {
	out := opts.output
	if out == "" {
		out = opts.broker
	}
	switch {
	case out == "" || strings.EqualFold(out, "stdout"):
		return &transport.StdoutBus{Writer: os.Stdout}, nil
	default:
		return transport.DialMQTT(out, opts.clientID+"-play")
	}
}

func topicNames(ctx context.Context, store storage.Store) []string {
	infos, err := store.Topics(ctx)
	if err != nil {
		log.Fatalf("read topics: %v", err)
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	sort.Strings(names)
	return names
}

func findConfigYAML(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if strings.HasPrefix(arg, "--config-yaml=") {
			return strings.TrimPrefix(arg, "--config-yaml=")
		}
		if arg == "--config-yaml" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func applyYAMLDefaults(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}
	flat := flattenYAML(raw)
	for key, value := range flat {
		flagName := yamlKeyToFlag(key)
		if flagName == "" {
			flagName = key
		}
		flagDef := flag.Lookup(flagName)
		if flagDef == nil {
			continue
		}
		valStr := formatFlagValue(value)
		if err := flag.CommandLine.Set(flagName, valStr); err != nil {
			return fmt.Errorf("set flag %s: %w", flagName, err)
		}
	}
	return nil
}

func flattenYAML(raw map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for key, value := range raw {
		flattenYAMLValue(key, value, out)
	}
	return out
}

func flattenYAMLValue(prefix string, value interface{}, out map[string]interface{}) {
	switch val := value.(type) {
	case map[string]interface{}:
		for k, v := range val {
			next := k
			if prefix != "" {
				next = prefix + "." + k
			}
			flattenYAMLValue(next, v, out)
		}
	case map[interface{}]interface{}:
		for k, v := range val {
			keyStr := fmt.Sprintf("%v", k)
			next := keyStr
			if prefix != "" {
				next = prefix + "." + keyStr
			}
			flattenYAMLValue(next, v, out)
		}
	default:
		if prefix != "" {
			out[prefix] = value
		}
	}
}

func configureLogging(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	log.SetOutput(f)
	return nil
}

func yamlKeyToFlag(key string) string {
	key = strings.ToLower(key)
	key = strings.ReplaceAll(key, "_", "-")
	mapped := map[string]string{
		"log.destination":  "db",
		"log.db":           "db",
		"log.window":       "window",
		"mqtt.broker":      "broker",
		"mqtt.client-id":   "client-id",
		"topics.selector":  "topics",
		"topics.set":       "topics",
		"topics.exclude":   "exclude",
		"topics.config":    "confile",
		"topics.confile":   "confile",
		"record.duration":  "duration",
		"play.seek":        "seek",
		"play.output":      "output",
		"logging.file":     "log-file",
		"logging.log-file": "log-file",
	}
	if flagName, ok := mapped[key]; ok {
		return flagName
	}
	return ""
}

func formatFlagValue(value interface{}) string {
	switch v := value.(type) {
	case time.Duration:
		return v.String()
	default:
		return fmt.Sprintf("%v", value)
	}
}

func generateExampleConfig(path string) error {
	if path == "" {
		path = "config/config-example.yaml"
	}
	if path == "-" {
		_, err := os.Stdout.WriteString(exampleConfigYAML)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(exampleConfigYAML), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Printf("Example config written to %s\n", path)
	return nil
}

const exampleConfigYAML = `# Пример конфигурации buslog (все основные поля).

mqtt:
  broker: tcp://localhost:1883
  client_id: buslog

log:
  # Назначение журнала: file:bus.db | postgres://... | clickhouse://... |
  # influxdb://... | mem://name
  destination: file:bus.db
  window: 5s # длительность окна подкачки при воспроизведении

topics:
  selector: ALL # имя набора/маска/список имён/ALL
  exclude: ""
  config: "" # путь к YAML/JSON с destinations и sets

record:
  duration: 0s # 0 — до SIGINT

play:
  seek: -1s # смещение старта; отрицательное — с начала
  output: "" # MQTT URL или stdout; пусто — значение mqtt.broker

logging:
  file: ""
`
