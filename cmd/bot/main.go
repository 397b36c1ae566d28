package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"radicalpixels.io/internal/protocol"
)

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		actor    = flag.String("actor", "bot", "actor name")
		every    = flag.Duration("every", 500*time.Millisecond, "delay between commands")
		deposit  = flag.Uint64("deposit", 1_000_000, "initial deposit")
		maxPrice = flag.Uint64("max_price", 5_000, "highest price the bot will declare")
		seed     = flag.Int64("seed", 0, "rng seed (0 = time based)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, *url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		Actor:           *actor,
		Capabilities:    protocol.HelloCapabilities{MaxQueue: 1},
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}
	var w protocol.WelcomeMsg
	if err := conn.ReadJSON(&w); err != nil || w.Type != protocol.TypeWelcome {
		logger.Fatalf("expected WELCOME: %v", err)
	}
	logger.Printf("WELCOME session=%s registry=%s grid=%dx%d tax_bps=%d", w.SessionID, w.RegistryID, w.Params.XMax, w.Params.YMax, w.Params.TaxRateBps)

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	p := &planner{
		rng:      rand.New(rand.NewSource(*seed)),
		params:   w.Params,
		maxPrice: *maxPrice,
	}

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	}()

	next := protocol.Command{Op: protocol.OpDeposit, Amount: *deposit}
	tick := time.NewTicker(*every)
	defer tick.Stop()
	for {
		next.RequestID = uuid.NewString()
		if err := conn.WriteJSON(protocol.CmdMsg{Type: protocol.TypeCmd, ProtocolVersion: protocol.Version, Command: next}); err != nil {
			return
		}
		var res protocol.ResultMsg
		if err := conn.ReadJSON(&res); err != nil {
			return
		}
		if res.OK {
			logger.Printf("%s seq=%d ok", next.Op, res.Seq)
		} else {
			logger.Printf("%s seq=%d %s: %s", next.Op, res.Seq, res.Code, res.Message)
		}
		p.observe(next, res)

		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		next = p.next()
	}
}

// planner picks the bot's next command from what it has seen so far.
type planner struct {
	rng      *rand.Rand
	params   protocol.RegistryParams
	maxPrice uint64

	owned    []protocol.CellArg
	auctions []protocol.CellArg
}

func (p *planner) randomCell() protocol.CellArg {
	xm, ym := p.params.XMax, p.params.YMax
	if xm == 0 {
		xm = 1
	}
	if ym == 0 {
		ym = 1
	}
	return protocol.CellArg{X: uint32(p.rng.Intn(int(xm))), Y: uint32(p.rng.Intn(int(ym)))}
}

func (p *planner) price() uint64 {
	if p.maxPrice == 0 {
		return 1
	}
	return 1 + uint64(p.rng.Int63n(int64(p.maxPrice)))
}

func (p *planner) next() protocol.Command {
	switch r := p.rng.Intn(100); {
	case r < 35:
		c := p.randomCell()
		c.Price = p.price()
		return protocol.Command{Op: protocol.OpBuyUnowned, Cells: []protocol.CellArg{c}}
	case r < 55:
		c := p.randomCell()
		c.Price = p.price()
		return protocol.Command{Op: protocol.OpBuy, Cells: []protocol.CellArg{c}}
	case r < 70 && len(p.owned) > 0:
		c := p.owned[p.rng.Intn(len(p.owned))]
		c.Price = p.price()
		return protocol.Command{Op: protocol.OpSetPrice, Cells: []protocol.CellArg{c}}
	case r < 80:
		return protocol.Command{Op: protocol.OpSettle, Cells: []protocol.CellArg{p.randomCell()}}
	case r < 85:
		return protocol.Command{Op: protocol.OpBeginAuction, Cells: []protocol.CellArg{p.randomCell()}}
	case r < 95 && len(p.auctions) > 0:
		c := p.auctions[p.rng.Intn(len(p.auctions))]
		c.Price = 0
		return protocol.Command{Op: protocol.OpBid, Cells: []protocol.CellArg{c}, Amount: p.price()}
	case r < 98 && len(p.auctions) > 0:
		c := p.auctions[p.rng.Intn(len(p.auctions))]
		c.Price = 0
		return protocol.Command{Op: protocol.OpEndAuction, Cells: []protocol.CellArg{c}}
	default:
		return protocol.Command{Op: protocol.OpBalance}
	}
}

// observe tracks cells the bot owns and auctions it knows about.
func (p *planner) observe(cmd protocol.Command, res protocol.ResultMsg) {
	if !res.OK || len(cmd.Cells) == 0 {
		return
	}
	c := protocol.CellArg{X: cmd.Cells[0].X, Y: cmd.Cells[0].Y}
	switch cmd.Op {
	case protocol.OpBuyUnowned, protocol.OpBuy:
		p.owned = appendCell(p.owned, c)
	case protocol.OpBeginAuction:
		p.auctions = appendCell(p.auctions, c)
	case protocol.OpEndAuction:
		p.auctions = removeCell(p.auctions, c)
	}
}

func appendCell(cells []protocol.CellArg, c protocol.CellArg) []protocol.CellArg {
	for _, have := range cells {
		if have.X == c.X && have.Y == c.Y {
			return cells
		}
	}
	return append(cells, c)
}

func removeCell(cells []protocol.CellArg, c protocol.CellArg) []protocol.CellArg {
	out := cells[:0]
	for _, have := range cells {
		if have.X != c.X || have.Y != c.Y {
			out = append(out, have)
		}
	}
	return out
}
