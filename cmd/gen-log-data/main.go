package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/pv/buslog-go/internal/storage"

	_ "github.com/pv/buslog-go/internal/storage/clickhouse"
	_ "github.com/pv/buslog-go/internal/storage/influxdb"
	_ "github.com/pv/buslog-go/internal/storage/memstore"
	_ "github.com/pv/buslog-go/internal/storage/postgres"
	_ "github.com/pv/buslog-go/internal/storage/sqlite"
)

type options struct {
	dest        string
	topicPrefix string
	topicsCount int
	points      int
	step        time.Duration
	msgType     string
	payloadSize int
}

func main() {
	opts := parseFlags()
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))

	if opts.topicsCount <= 0 || opts.points <= 0 {
		log.Fatal("--topics and --points must be > 0")
	}

	ctx := context.Background()
	store, err := storage.Open(ctx, opts.dest)
	if err != nil {
		log.Fatalf("open destination: %v", err)
	}
	defer store.Close()

	total := opts.topicsCount * opts.points
	var inserted int
	offset := time.Duration(0)
	for i := 0; i < opts.points; i++ {
		for t := 0; t < opts.topicsCount; t++ {
			topic := fmt.Sprintf("%s/%d", opts.topicPrefix, t)
			msg := storage.Message{
				Topic:   topic,
				Type:    opts.msgType,
				Payload: payloadFor(rnd, topic, i, opts.payloadSize),
				Offset:  offset,
			}
			if err := store.Append(ctx, msg); err != nil {
				log.Fatalf("append %s: %v", topic, err)
			}
			inserted++
			if inserted%10000 == 0 {
				log.Printf("inserted %d/%d messages", inserted, total)
			}
		}
		offset += opts.step
	}

	log.Printf("done: inserted %d messages for %d topics into %s", inserted, opts.topicsCount, opts.dest)
}

func parseFlags() options {
	var opt options
	flag.StringVar(&opt.dest, "db", "file:test-bus.db", "log destination (file:..., postgres://..., mem://name)")
	flag.StringVar(&opt.topicPrefix, "topic-prefix", "bench", "topic name prefix")
	flag.IntVar(&opt.topicsCount, "topics", 10, "number of topics to generate")
	flag.IntVar(&opt.points, "points", 1000, "messages per topic")
	flag.DurationVar(&opt.step, "step", 100*time.Millisecond, "time delta between message rounds")
	flag.StringVar(&opt.msgType, "type", "bench.Chirp", "message type name to record")
	flag.IntVar(&opt.payloadSize, "payload-size", 64, "payload size in bytes")
	flag.Parse()
	return opt
}

func payloadFor(rnd *rand.Rand, topic string, idx, size int) []byte {
	header := fmt.Sprintf("%s#%d:", topic, idx)
	payload := make([]byte, 0, size)
	payload = append(payload, header...)
	for len(payload) < size {
		payload = append(payload, byte('a'+rnd.Intn(26)))
	}
	return payload[:size]
}
