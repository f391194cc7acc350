package craps

import (
	"testing"

	"github.com/bitcraps/core/identity"
	"github.com/bitcraps/core/protocol"
)

type fakeBalances map[identity.PeerID]uint64

func (f fakeBalances) Balance(p identity.PeerID) uint64 { return f[p] }

func testPeer(b byte) identity.PeerID {
	var p identity.PeerID
	p[0] = b
	return p
}

func newTestState() (*State, identity.PeerID, identity.PeerID) {
	player := testPeer(1)
	treasury := testPeer(0xff)
	gameID := protocol.GameID{1}
	s := NewState(gameID, []identity.PeerID{player})
	return s, player, treasury
}

func TestAdmitRejectsBetAfterGameEnded(t *testing.T) {
	s, player, _ := newTestState()
	s.Phase = PhaseEnded
	rules := StandardRules(1000)
	bal := fakeBalances{player: 500}

	op := protocol.GameOperation{
		Kind:     protocol.OpPlaceBet,
		PlaceBet: &protocol.PlaceBetOp{Player: player, BetType: protocol.BetPass, Amount: 10},
	}
	if err := Admit(s, op, rules, bal); err == nil {
		t.Fatalf("expected error admitting a bet into an ended game")
	}
}

func TestAdmitRejectsBetExceedingBalance(t *testing.T) {
	s, player, _ := newTestState()
	rules := StandardRules(1000)
	bal := fakeBalances{player: 5}

	op := protocol.GameOperation{
		Kind:     protocol.OpPlaceBet,
		PlaceBet: &protocol.PlaceBetOp{Player: player, BetType: protocol.BetPass, Amount: 10},
	}
	if err := Admit(s, op, rules, bal); err == nil {
		t.Fatalf("expected error admitting a bet that exceeds the player's balance")
	}
}

func TestAdmitRejectsBetForWrongPhase(t *testing.T) {
	s, player, _ := newTestState()
	rules := StandardRules(1000)
	bal := fakeBalances{player: 500}

	// Place bets are only legal once a point is established.
	op := protocol.GameOperation{
		Kind:     protocol.OpPlaceBet,
		PlaceBet: &protocol.PlaceBetOp{Player: player, BetType: protocol.BetPlace6, Amount: 10},
	}
	if err := Admit(s, op, rules, bal); err == nil {
		t.Fatalf("expected error admitting a place bet during come-out")
	}
}

func TestDontComeAndDontPassPushOnTwelve(t *testing.T) {
	for _, bet := range []protocol.BetType{protocol.BetDontPass, protocol.BetDontCome} {
		outcome, _ := resolveBet(bet, PhaseComeOut, 0, 12, true)
		if outcome != OutcomePush {
			t.Fatalf("%s on 12 = %v, want push (barred)", bet, outcome)
		}
	}
}

func TestApplyPlaceBetAddsToBets(t *testing.T) {
	s, player, treasury := newTestState()
	rules := StandardRules(1000)

	op := protocol.GameOperation{
		Kind:     protocol.OpPlaceBet,
		PlaceBet: &protocol.PlaceBetOp{Player: player, BetType: protocol.BetPass, Amount: 50},
	}
	next, _, err := Apply(s, op, rules, treasury)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	key := BetKey{Player: player, BetType: protocol.BetPass}
	if next.Bets[key] != 50 {
		t.Fatalf("expected bet of 50, got %d", next.Bets[key])
	}
	if next == s {
		t.Fatalf("Apply must not return the same state pointer it was given")
	}
	if len(s.Bets) != 0 {
		t.Fatalf("Apply must not mutate its input state")
	}
}

func TestResolveRoundPassLineWinConserves(t *testing.T) {
	s, player, treasury := newTestState()
	rules := StandardRules(1000)

	s, _, err := Apply(s, protocol.GameOperation{
		Kind:     protocol.OpPlaceBet,
		PlaceBet: &protocol.PlaceBetOp{Player: player, BetType: protocol.BetPass, Amount: 20},
	}, rules, treasury)
	if err != nil {
		t.Fatalf("Apply place bet: %v", err)
	}

	next, effect, err := Apply(s, protocol.GameOperation{
		Kind:         protocol.OpResolveRound,
		ResolveRound: &protocol.ResolveRoundOp{Dice: [2]uint8{4, 3}}, // total 7: natural win
	}, rules, treasury)
	if err != nil {
		t.Fatalf("Apply resolve round: %v", err)
	}
	if protocol.SumChanges(effect.BalanceChanges) != 0 {
		t.Fatalf("balance changes must sum to zero, got %v", effect.BalanceChanges)
	}
	var playerDelta int64
	for _, c := range effect.BalanceChanges {
		if c.Account == player {
			playerDelta = c.Delta
		}
	}
	if playerDelta != 20 {
		t.Fatalf("expected player to win 20, got %d", playerDelta)
	}
	if len(next.Bets) != 0 {
		t.Fatalf("expected the settled pass bet to be removed")
	}
}

func TestResolveRoundPassLineLossConserves(t *testing.T) {
	s, player, treasury := newTestState()
	rules := StandardRules(1000)

	s, _, err := Apply(s, protocol.GameOperation{
		Kind:     protocol.OpPlaceBet,
		PlaceBet: &protocol.PlaceBetOp{Player: player, BetType: protocol.BetPass, Amount: 20},
	}, rules, treasury)
	if err != nil {
		t.Fatalf("Apply place bet: %v", err)
	}

	_, effect, err := Apply(s, protocol.GameOperation{
		Kind:         protocol.OpResolveRound,
		ResolveRound: &protocol.ResolveRoundOp{Dice: [2]uint8{1, 1}}, // total 2: craps, pass loses
	}, rules, treasury)
	if err != nil {
		t.Fatalf("Apply resolve round: %v", err)
	}
	if protocol.SumChanges(effect.BalanceChanges) != 0 {
		t.Fatalf("balance changes must sum to zero, got %v", effect.BalanceChanges)
	}
	var playerDelta int64
	for _, c := range effect.BalanceChanges {
		if c.Account == player {
			playerDelta = c.Delta
		}
	}
	if playerDelta != -20 {
		t.Fatalf("expected player to lose 20, got %d", playerDelta)
	}
}

func TestResolveRoundPlaceBetPayoutConserves(t *testing.T) {
	s, player, treasury := newTestState()
	rules := StandardRules(1000)

	// Establish a point of 6 first so place bets become legal.
	s, _, err := Apply(s, protocol.GameOperation{
		Kind:         protocol.OpResolveRound,
		ResolveRound: &protocol.ResolveRoundOp{Dice: [2]uint8{3, 3}}, // total 6, establishes point
	}, rules, treasury)
	if err != nil {
		t.Fatalf("Apply resolve round (establish point): %v", err)
	}
	if s.Phase != PhasePoint || s.Point != 6 {
		t.Fatalf("expected point phase with point 6, got phase=%v point=%d", s.Phase, s.Point)
	}

	s, _, err = Apply(s, protocol.GameOperation{
		Kind:     protocol.OpPlaceBet,
		PlaceBet: &protocol.PlaceBetOp{Player: player, BetType: protocol.BetPlace6, Amount: 30},
	}, rules, treasury)
	if err != nil {
		t.Fatalf("Apply place bet: %v", err)
	}

	// Roll 6 again: place 6 pays 7:6, floor(30*7/6) = 35.
	_, effect, err := Apply(s, protocol.GameOperation{
		Kind:         protocol.OpResolveRound,
		ResolveRound: &protocol.ResolveRoundOp{Dice: [2]uint8{2, 4}},
	}, rules, treasury)
	if err != nil {
		t.Fatalf("Apply resolve round (place win): %v", err)
	}
	if protocol.SumChanges(effect.BalanceChanges) != 0 {
		t.Fatalf("balance changes must sum to zero, got %v", effect.BalanceChanges)
	}
	var playerDelta int64
	for _, c := range effect.BalanceChanges {
		if c.Account == player {
			playerDelta = c.Delta
		}
	}
	if playerDelta != 35 {
		t.Fatalf("expected place 6 payout of 35, got %d", playerDelta)
	}
}

func TestResolveRoundRejectsInvalidDice(t *testing.T) {
	s, _, treasury := newTestState()
	rules := StandardRules(1000)

	_, _, err := Apply(s, protocol.GameOperation{
		Kind:         protocol.OpResolveRound,
		ResolveRound: &protocol.ResolveRoundOp{Dice: [2]uint8{0, 7}},
	}, rules, treasury)
	if err == nil {
		t.Fatalf("expected error resolving a round with invalid dice")
	}
}

func TestApplyChainsHistoryHash(t *testing.T) {
	s, player, treasury := newTestState()
	rules := StandardRules(1000)
	first := s.HistoryHash

	next, _, err := Apply(s, protocol.GameOperation{
		Kind:     protocol.OpPlaceBet,
		PlaceBet: &protocol.PlaceBetOp{Player: player, BetType: protocol.BetPass, Amount: 10},
	}, rules, treasury)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if next.HistoryHash == first {
		t.Fatalf("expected HistoryHash to change after applying an operation")
	}

	again, _, err := Apply(s, protocol.GameOperation{
		Kind:     protocol.OpPlaceBet,
		PlaceBet: &protocol.PlaceBetOp{Player: player, BetType: protocol.BetPass, Amount: 10},
	}, rules, treasury)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if next.HistoryHash != again.HistoryHash {
		t.Fatalf("expected identical operations applied to identical states to chain to identical hashes")
	}
}
