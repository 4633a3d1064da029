// Command send is a small producer for the ingestion endpoint. It
// either synthesizes readings from flags or forwards JSON lines piped
// on stdin, one frame per line.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"telemetry-service/app/src/domain"
	"telemetry-service/app/src/infra"
	"telemetry-service/app/src/network"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	var (
		host     = flag.String("host", cfg.ClientHost, "ingestion server host")
		port     = flag.Int("port", cfg.IngestPort, "ingestion server port")
		timeout  = flag.Duration("timeout", time.Duration(cfg.ConnectTimeoutSeconds*float64(time.Second)), "connect and ack timeout")
		retries  = flag.Int("retries", cfg.Retries, "connect attempts before giving up")
		sensor   = flag.String("sensor", "sensor-1", "source identifier for synthesized readings")
		unit     = flag.String("unit", "°C", "unit for synthesized readings")
		value    = flag.Float64("value", 20.0, "value for synthesized readings")
		count    = flag.Int("count", 1, "number of synthesized readings to send")
		interval = flag.Duration("interval", time.Second, "pause between synthesized readings")
		useStdin = flag.Bool("stdin", false, "read JSON frames from stdin instead of synthesizing")
	)
	flag.Parse()

	logger := infra.NewLogger(os.Stderr, "telemetry-send")
	ctx := context.Background()

	client := network.NewClient(network.ClientConfig{
		Host:    *host,
		Port:    *port,
		Timeout: *timeout,
		Retries: *retries,
	}, logger)

	if err := client.Connect(); err != nil {
		logger.Fatalf(ctx, "connect: %v", err)
	}
	defer client.Close()

	if *useStdin {
		if err := sendFromStdin(client); err != nil {
			logger.Fatalf(ctx, "%v", err)
		}
		return
	}

	for i := 0; i < *count; i++ {
		reading := domain.Reading{
			SourceID:  *sensor,
			Timestamp: time.Now().UTC(),
			Value:     *value,
			Unit:      *unit,
		}
		if err := client.Send(reading); err != nil {
			logger.Fatalf(ctx, "send: %v", err)
		}
		logger.Infof(ctx, "sent %s=%v%s", reading.SourceID, reading.Value, reading.Unit)

		if i < *count-1 {
			time.Sleep(*interval)
		}
	}
}

func sendFromStdin(client *network.Client) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		// Validate locally so malformed input fails loudly instead of
		// being dropped by the server.
		reading, err := network.ParseFrame(raw, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("stdin line %d: %w", line, err)
		}
		if err := client.Send(reading); err != nil {
			return fmt.Errorf("stdin line %d: send: %w", line, err)
		}
	}
	return scanner.Err()
}
