package vl2

import "testing"

// TestDropAllNonARP mirrors spec.md §8 scenario 4: MATCH_ETHERTYPE 0x0806
// -> ACCEPT, then DROP. An IPv4 frame must be dropped; an ARP frame must
// be accepted.
func TestDropAllNonARP(t *testing.T) {
	table := []Rule{
		NewEthertypeRule(0x0806, false),
		{Type: ActionAccept},
		{Type: ActionDrop},
	}
	arp := Evaluate(table, &EvalContext{EtherType: 0x0806})
	if !arp.Accept {
		t.Fatal("ARP frame should have been accepted")
	}
	ipv4 := Evaluate(table, &EvalContext{EtherType: 0x0800})
	if ipv4.Accept {
		t.Fatal("non-ARP frame should have been dropped")
	}
}

func TestDefaultVerdictIsDrop(t *testing.T) {
	v := Evaluate(nil, &EvalContext{})
	if v.Accept {
		t.Fatal("an empty rules table must default to DROP")
	}
}

func TestORCombinesOnlyWithPrecedingMatch(t *testing.T) {
	// MAC-source match OR ethertype match -> ACCEPT; a frame matching only
	// the ethertype should still be accepted.
	table := []Rule{
		NewMACRule(false, [6]byte{1, 2, 3, 4, 5, 6}, false),
		{Type: MatchEthertype, Or: true, Value: []byte{0x08, 0x06}},
		{Type: ActionAccept},
	}
	v := Evaluate(table, &EvalContext{EtherType: 0x0806, SourceMAC: [6]byte{9, 9, 9, 9, 9, 9}})
	if !v.Accept {
		t.Fatal("OR'd ethertype match should have accepted the frame")
	}
}

func TestCapabilityGrantsAcceptBaseRulesDeny(t *testing.T) {
	base := []Rule{{Type: ActionDrop}}
	caps := []Capability{{
		ID:    1,
		Rules: []Rule{NewEthertypeRule(0x0800, false), {Type: ActionAccept}},
	}}
	v := EvaluateWithCapabilities(base, caps, &EvalContext{EtherType: 0x0800})
	if !v.Accept || !v.HasCapability || v.CapabilityID != 1 {
		t.Fatal("capability sub-rule-set should have granted an ACCEPT the base rules denied")
	}
}

func TestBreakStopsEvaluation(t *testing.T) {
	table := []Rule{
		{Type: ActionAccept},
		{Type: ActionBreak},
		{Type: ActionDrop},
	}
	v := Evaluate(table, &EvalContext{})
	if !v.Accept {
		t.Fatal("BREAK should have stopped evaluation before the trailing DROP fired")
	}
}

func TestTagEqualUndefinedBlocksAccept(t *testing.T) {
	table := []Rule{
		NewTagMatchRule(MatchTagsEqual, 7, 0, false),
		{Type: ActionAccept},
	}
	// Neither side has tag 7: matchTags treats an unknown tag on either
	// side as undefined for TagsEqual as well as TagsDifference, so
	// neither table may accept.
	diffTable := []Rule{
		NewTagMatchRule(MatchTagsDifference, 7, 0, false),
		{Type: ActionAccept},
	}
	v := Evaluate(table, &EvalContext{SenderTags: map[uint32]uint32{}, ReceiverTags: map[uint32]uint32{}})
	if v.Accept {
		t.Fatal("a tag-equal match with an unknown tag on both sides must not accept")
	}
	v2 := Evaluate(diffTable, &EvalContext{SenderTags: map[uint32]uint32{}, ReceiverTags: map[uint32]uint32{}})
	if v2.Accept {
		t.Fatal("a tag-difference match with an unknown tag on both sides must not accept")
	}
}
