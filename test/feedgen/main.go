// Package main implements a synthetic feed generator for the chain monitor.
// It publishes chainhook-style apply/rollback payloads to the intake Redis
// Stream so the full intake → ingest → rules → dispatch path can be exercised
// against a real database, including reorg behavior.
//
// Usage:
//
//	go run ./test/feedgen \
//	  -redis-url "redis://localhost:6379/0" \
//	  -stream chain:feed \
//	  -rate 10 \
//	  -duration 30s \
//	  -block-size 5 \
//	  -reorg-every 20
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/domain/feed"
	redisstore "github.com/mUsaulug/stacks-chain-monitor-sub002/internal/store/redis"
)

func main() {
	var (
		redisURL   = flag.String("redis-url", "redis://localhost:6379/0", "Redis connection string")
		stream     = flag.String("stream", "chain:feed", "Feed stream key")
		rateFlag   = flag.Float64("rate", 10, "Payloads published per second")
		duration   = flag.Duration("duration", 30*time.Second, "Generator run time")
		blockSize  = flag.Int("block-size", 5, "Transactions per block")
		startAt    = flag.Int64("start-height", 1000, "First generated block height")
		reorgEvery = flag.Int("reorg-every", 20, "Emit a rollback+reapply every N payloads (0 disables)")
		redeliver  = flag.Int("redeliver-every", 15, "Re-publish the previous payload every N payloads (0 disables)")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	feedStream, err := redisstore.NewStream(*redisURL)
	if err != nil {
		logger.Error("redis unreachable", "error", err)
		os.Exit(1)
	}
	defer feedStream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, stopping", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("feed generator starting",
		"stream", *stream,
		"rate", *rateFlag,
		"duration", *duration,
		"block_size", *blockSize,
		"start_height", *startAt,
	)

	gen := newGenerator(*startAt, *blockSize)
	limiter := rate.NewLimiter(rate.Limit(*rateFlag), 1)

	var published, reorgs, redeliveries int
	var lastPayload *feed.Payload
	start := time.Now()

	for {
		if err := limiter.Wait(ctx); err != nil {
			break
		}

		var payload *feed.Payload
		switch {
		case *reorgEvery > 0 && published > 0 && published%*reorgEvery == 0:
			payload = gen.nextReorg()
			reorgs++
		case *redeliver > 0 && published > 0 && published%*redeliver == 0 && lastPayload != nil:
			if _, err := feedStream.Publish(ctx, *stream, lastPayload); err != nil {
				logger.Error("publish failed", "error", err)
				continue
			}
			redeliveries++
			published++
			continue
		default:
			payload = gen.nextApply()
		}

		if _, err := feedStream.Publish(ctx, *stream, payload); err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Error("publish failed", "error", err)
			continue
		}
		lastPayload = payload
		published++
	}

	elapsed := time.Since(start)
	fmt.Println()
	fmt.Println("========================================")
	fmt.Println("       FEED GENERATOR RESULTS")
	fmt.Println("========================================")
	fmt.Printf("Duration:       %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Payloads:       %d\n", published)
	fmt.Printf("Payloads/sec:   %.2f\n", float64(published)/elapsed.Seconds())
	fmt.Printf("Reorgs:         %d\n", reorgs)
	fmt.Printf("Redeliveries:   %d\n", redeliveries)
	fmt.Printf("Final height:   %d\n", gen.height)
	fmt.Println("========================================")
}

// generator produces a linear synthetic chain with occasional single-block
// reorgs: the previous tip is rolled back and replaced by a sibling at the
// same height.
type generator struct {
	height    int64
	prevHash  string
	tipEvent  *feed.BlockEvent
	blockSize int
	rng       *rand.Rand
}

func newGenerator(startHeight int64, blockSize int) *generator {
	return &generator{
		height:    startHeight,
		prevHash:  fmt.Sprintf("0xgenesis%08d", startHeight-1),
		blockSize: blockSize,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (g *generator) nextApply() *feed.Payload {
	ev := g.buildBlock(g.height, g.prevHash, "")
	g.tipEvent = &ev
	g.prevHash = ev.BlockIdentifier.Hash
	g.height++
	return &feed.Payload{Apply: []feed.BlockEvent{ev}}
}

// nextReorg retracts the current tip and applies a sibling block at the same
// height in one payload, the way the upstream feed delivers reorgs.
func (g *generator) nextReorg() *feed.Payload {
	if g.tipEvent == nil {
		return g.nextApply()
	}
	old := *g.tipEvent
	sibling := g.buildBlock(old.BlockIdentifier.Height, old.ParentBlockIdentifier.Hash, "fork")
	g.tipEvent = &sibling
	g.prevHash = sibling.BlockIdentifier.Hash
	return &feed.Payload{
		Apply:    []feed.BlockEvent{sibling},
		Rollback: []feed.BlockEvent{{BlockIdentifier: old.BlockIdentifier}},
	}
}

func (g *generator) buildBlock(height int64, parentHash, tag string) feed.BlockEvent {
	hash := fmt.Sprintf("0xblock%08d%s%04d", height, tag, g.rng.Intn(10000))
	ev := feed.BlockEvent{
		BlockIdentifier:       feed.BlockIdentifier{Hash: hash, Height: height},
		ParentBlockIdentifier: &feed.BlockIdentifier{Hash: parentHash, Height: height - 1},
		Timestamp:             time.Now().Unix(),
	}
	for i := 0; i < g.blockSize; i++ {
		ev.Transactions = append(ev.Transactions, g.buildTransaction(height, i))
	}
	return ev
}

func (g *generator) buildTransaction(height int64, index int) feed.TransactionEvent {
	txID := fmt.Sprintf("0xtx%08d%04d", height, index)
	sender := fmt.Sprintf("SP%dSENDER", g.rng.Intn(50))

	te := feed.TransactionEvent{
		TxID:    txID,
		TxIndex: index,
		Sender:  sender,
		Success: g.rng.Intn(10) != 0, // one in ten fails
		Fee:     fmt.Sprintf("%d", 180+g.rng.Intn(400)),
		Nonce:   int64(g.rng.Intn(1000)),
	}

	switch g.rng.Intn(3) {
	case 0:
		data, _ := json.Marshal(feed.ContractCallData{
			ContractIdentifier: fmt.Sprintf("SP%d.pool", g.rng.Intn(5)),
			Method:             []string{"swap", "deposit", "withdraw"}[g.rng.Intn(3)],
			Args:               []string{fmt.Sprintf("u%d", g.rng.Intn(1_000_000))},
		})
		te.Kind = feed.TransactionKind{Type: "contract_call", Data: data}
		te.Receipt.Events = append(te.Receipt.Events, feed.EventEnvelope{
			Type: "ft_transfer_event",
			Data: feed.EventData{
				AssetIdentifier: fmt.Sprintf("SP%d.token::tok", g.rng.Intn(5)),
				Sender:          sender,
				Recipient:       fmt.Sprintf("SP%dRECIPIENT", g.rng.Intn(50)),
				Amount:          fmt.Sprintf("%d", g.rng.Intn(10_000_000)),
			},
		})
	case 1:
		te.Kind = feed.TransactionKind{Type: "token_transfer"}
		te.Receipt.Events = append(te.Receipt.Events, feed.EventEnvelope{
			Type: "stx_transfer_event",
			Data: feed.EventData{
				Sender:    sender,
				Recipient: fmt.Sprintf("SP%dRECIPIENT", g.rng.Intn(50)),
				Amount:    fmt.Sprintf("%d", g.rng.Intn(100_000_000)),
			},
		})
	default:
		te.Kind = feed.TransactionKind{Type: "contract_call"}
		data, _ := json.Marshal(feed.ContractCallData{
			ContractIdentifier: fmt.Sprintf("SP%d.oracle", g.rng.Intn(3)),
			Method:             "update-price",
		})
		te.Kind.Data = data
		te.Receipt.Events = append(te.Receipt.Events, feed.EventEnvelope{
			Type: "print_event",
			Data: feed.EventData{
				ContractID: fmt.Sprintf("SP%d.oracle", g.rng.Intn(3)),
				Topic:      "price-update",
				Value:      json.RawMessage(fmt.Sprintf(`{"price": %d}`, g.rng.Intn(100_000))),
			},
		})
	}
	return te
}
