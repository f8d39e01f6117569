package store

// Integration tests against a real Postgres. They are skipped unless
// EXCHANGE_TEST_DATABASE_URL points at a scratch database; every test
// truncates all tables first, so never point this at real data.

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/exstack/exchange/pkg/exchange"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("EXCHANGE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("EXCHANGE_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := Connect(ctx, url, 1, 20)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	s := New(pool, zap.NewNop().Sugar())
	t.Cleanup(s.Close)

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if _, err := pool.Exec(ctx,
		`TRUNCATE executions, orders, positions, symbols, accounts RESTART IDENTITY CASCADE`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return s
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := testStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestAccountLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	created, err := s.CreateAccount(ctx, "alice", decimal.NewFromInt(500))
	if err != nil || !created {
		t.Fatalf("CreateAccount = %v, %v; want true, nil", created, err)
	}
	created, err = s.CreateAccount(ctx, "alice", decimal.NewFromInt(999))
	if err != nil || created {
		t.Fatalf("duplicate CreateAccount = %v, %v; want false, nil", created, err)
	}

	exists, err := s.AccountExists(ctx, "alice")
	if err != nil || !exists {
		t.Fatalf("AccountExists(alice) = %v, %v", exists, err)
	}
	exists, err = s.AccountExists(ctx, "bob")
	if err != nil || exists {
		t.Fatalf("AccountExists(bob) = %v, %v", exists, err)
	}

	if err := s.CreateSymbol(ctx, "SPY"); err != nil {
		t.Fatalf("CreateSymbol: %v", err)
	}
	if err := s.AddPosition(ctx, "alice", "SPY", decimal.NewFromInt(10)); err != nil {
		t.Fatalf("AddPosition: %v", err)
	}
	// Seeding the same holding again is additive.
	if err := s.AddPosition(ctx, "alice", "SPY", decimal.NewFromInt(5)); err != nil {
		t.Fatalf("AddPosition again: %v", err)
	}
	if err := s.AddPosition(ctx, "ghost", "SPY", decimal.NewFromInt(5)); err != exchange.ErrAccountNotFound {
		t.Fatalf("AddPosition(ghost) = %v, want ErrAccountNotFound", err)
	}

	balance, positions, err := s.GetAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(500)) {
		t.Errorf("balance = %s, want 500", balance)
	}
	if len(positions) != 1 || positions[0].Symbol != "SPY" || !positions[0].Amount.Equal(decimal.NewFromInt(15)) {
		t.Errorf("positions = %+v", positions)
	}
}

func TestOrderLifecycleThroughHandler(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	e := exchange.New(s, zap.NewNop().Sugar(), nil)

	run := func(in string) string { return string(e.Process(ctx, []byte(in))) }

	run(`<create>
		<account id="S" balance="0"/>
		<account id="K" balance="2000"/>
		<symbol sym="Z"><account id="S">20</account></symbol>
	</create>`)

	if got := run(`<transactions id="S"><order sym="Z" amount="-20" limit="50"/></transactions>`); !strings.Contains(got, `<opened sym="Z" amount="-20" limit="50" id="1">`) {
		t.Fatalf("sell = %s", got)
	}
	if got := run(`<transactions id="K"><order sym="Z" amount="20" limit="55"/></transactions>`); !strings.Contains(got, `id="2"`) {
		t.Fatalf("buy = %s", got)
	}

	// Executed at the resting price 50: seller +1000, buyer refunded 100.
	sBal, _, err := s.GetAccount(ctx, "S")
	if err != nil {
		t.Fatal(err)
	}
	if !sBal.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("seller balance = %s, want 1000", sBal)
	}
	kBal, kPos, err := s.GetAccount(ctx, "K")
	if err != nil {
		t.Fatal(err)
	}
	if !kBal.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("buyer balance = %s, want 1000", kBal)
	}
	if len(kPos) != 1 || !kPos[0].Amount.Equal(decimal.NewFromInt(20)) {
		t.Errorf("buyer positions = %+v", kPos)
	}

	got := run(`<transactions id="K"><query id="2"/></transactions>`)
	if !strings.Contains(got, `<executed shares="20" price="50"`) || strings.Contains(got, "<open") {
		t.Errorf("query = %s", got)
	}

	// Cancel a fresh resting order and check the escrow comes back.
	run(`<transactions id="K"><order sym="Z" amount="10" limit="75"/></transactions>`)
	kBal, _, _ = s.GetAccount(ctx, "K")
	if !kBal.Equal(decimal.NewFromInt(250)) {
		t.Fatalf("escrowed balance = %s, want 250", kBal)
	}
	if got := run(`<transactions id="K"><cancel id="3"/></transactions>`); !strings.Contains(got, `<canceled id="3">`) {
		t.Fatalf("cancel = %s", got)
	}
	kBal, _, _ = s.GetAccount(ctx, "K")
	if !kBal.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("post-cancel balance = %s, want 1000", kBal)
	}

	ord, err := s.GetOrder(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if ord.Status != exchange.StatusCanceled {
		t.Errorf("status = %s, want canceled", ord.Status)
	}
	if _, err := s.CancelTime(ctx, 3); err != nil {
		t.Errorf("CancelTime: %v", err)
	}
}

func TestOpenOrdersOrdering(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	e := exchange.New(s, zap.NewNop().Sugar(), nil)

	run := func(in string) { e.Process(ctx, []byte(in)) }
	run(`<create>
		<account id="A" balance="100000"/>
		<symbol sym="Q"><account id="A">100</account></symbol>
	</create>`)
	// Non-crossing book: bids below 100, asks above.
	run(`<transactions id="A"><order sym="Q" amount="5" limit="90"/></transactions>`)
	run(`<transactions id="A"><order sym="Q" amount="5" limit="95"/></transactions>`)
	run(`<transactions id="A"><order sym="Q" amount="-5" limit="110"/></transactions>`)
	run(`<transactions id="A"><order sym="Q" amount="-5" limit="105"/></transactions>`)

	orders, err := s.OpenOrders(ctx, "Q")
	if err != nil {
		t.Fatalf("OpenOrders: %v", err)
	}
	if len(orders) != 4 {
		t.Fatalf("got %d orders, want 4", len(orders))
	}
	// Buys first (price ascending), then sells (price ascending).
	wantLimits := []int64{90, 95, 105, 110}
	for i, want := range wantLimits {
		if !orders[i].Limit.Equal(decimal.NewFromInt(want)) {
			t.Errorf("orders[%d].Limit = %s, want %d", i, orders[i].Limit, want)
		}
	}
}

// TestConcurrentSellsAgainstOneBuy exercises the FOR UPDATE serialization:
// many sellers race to hit a single resting buy, and every share must be
// accounted for exactly once.
func TestConcurrentSellsAgainstOneBuy(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	e := exchange.New(s, zap.NewNop().Sugar(), nil)

	const sellers = 8
	const qty = 10

	var setup strings.Builder
	setup.WriteString(`<create><account id="B" balance="100000"/>`)
	for i := 0; i < sellers; i++ {
		fmt.Fprintf(&setup, `<account id="S%d" balance="0"/>`, i)
	}
	setup.WriteString(`<symbol sym="R">`)
	for i := 0; i < sellers; i++ {
		fmt.Fprintf(&setup, `<account id="S%d">%d</account>`, i, qty)
	}
	setup.WriteString(`</symbol></create>`)
	if out := string(e.Process(ctx, []byte(setup.String()))); strings.Contains(out, "<error") {
		t.Fatalf("setup: %s", out)
	}

	if out := string(e.Process(ctx,
		[]byte(fmt.Sprintf(`<transactions id="B"><order sym="R" amount="%d" limit="100"/></transactions>`, sellers*qty)))); !strings.Contains(out, "<opened") {
		t.Fatalf("buy: %s", out)
	}

	var wg sync.WaitGroup
	errs := make(chan string, sellers)
	for i := 0; i < sellers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in := fmt.Sprintf(`<transactions id="S%d"><order sym="R" amount="-%d" limit="100"/></transactions>`, i, qty)
			if out := string(e.Process(ctx, []byte(in))); !strings.Contains(out, "<opened") {
				errs <- out
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for out := range errs {
		t.Errorf("sell rejected: %s", out)
	}

	// The buy is fully consumed, at the resting price.
	buy, err := s.GetOrder(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if buy.Status != exchange.StatusExecuted || !buy.Remaining.IsZero() {
		t.Fatalf("buy = %s remaining %s", buy.Status, buy.Remaining)
	}
	fills, err := s.Fills(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	total := decimal.Zero
	for _, f := range fills {
		if !f.Price.Equal(decimal.NewFromInt(100)) {
			t.Errorf("fill price = %s, want 100", f.Price)
		}
		total = total.Add(f.Shares)
	}
	if !total.Equal(decimal.NewFromInt(sellers * qty)) {
		t.Errorf("filled %s shares, want %d", total, sellers*qty)
	}

	// Each seller was paid exactly once.
	for i := 0; i < sellers; i++ {
		bal, _, err := s.GetAccount(ctx, fmt.Sprintf("S%d", i))
		if err != nil {
			t.Fatal(err)
		}
		if !bal.Equal(decimal.NewFromInt(qty * 100)) {
			t.Errorf("S%d balance = %s, want %d", i, bal, qty*100)
		}
	}
	bPos := decimal.Zero
	_, positions, err := s.GetAccount(ctx, "B")
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range positions {
		bPos = bPos.Add(p.Amount)
	}
	if !bPos.Equal(decimal.NewFromInt(sellers * qty)) {
		t.Errorf("buyer holds %s shares, want %d", bPos, sellers*qty)
	}
}
