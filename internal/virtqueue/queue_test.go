package virtqueue_test

import (
	"testing"
)

func TestQueueAddUsedPublishesBeforeIdxBump(t *testing.T) {
	mem, q := newTestQueue(t, 4)
	descTable := uint64(testBase)
	usedAddr := descTable + 4*16 + 0x1000

	if err := q.AddUsed(2, 10); err != nil {
		t.Fatalf("AddUsed: %v", err)
	}

	gotID, err := mem.Read32(usedAddr + 4)
	if err != nil {
		t.Fatalf("Read32(used.ring[0].id): %v", err)
	}
	if gotID != 2 {
		t.Errorf("used.ring[0].id = %d, want 2", gotID)
	}
	gotLen, err := mem.Read32(usedAddr + 8)
	if err != nil {
		t.Fatalf("Read32(used.ring[0].len): %v", err)
	}
	if gotLen != 10 {
		t.Errorf("used.ring[0].len = %d, want 10", gotLen)
	}

	gotIdx, err := mem.Read16(usedAddr + 2)
	if err != nil {
		t.Fatalf("Read16(used.idx): %v", err)
	}
	if gotIdx != 1 {
		t.Errorf("used.idx = %d, want 1", gotIdx)
	}
}

func TestQueuePrepareKickWithoutEventIdx(t *testing.T) {
	_, q := newTestQueue(t, 4)
	q.SetEventIdxEnabled(false)

	if err := q.AddUsed(0, 4); err != nil {
		t.Fatalf("AddUsed: %v", err)
	}
	kick, err := q.PrepareKick()
	if err != nil {
		t.Fatalf("PrepareKick: %v", err)
	}
	if !kick {
		t.Error("PrepareKick without EVENT_IDX and without NO_INTERRUPT: want true")
	}
}

func TestQueuePrepareKickRespectsUsedEvent(t *testing.T) {
	mem, q := newTestQueue(t, 4)
	q.SetEventIdxEnabled(true)
	descTable := uint64(testBase)
	availAddr := descTable + 4*16
	usedEventAddr := availAddr + 4 + 4*2

	// Driver asks to be woken once used.idx reaches 2 (i.e. after two
	// completions), so the first completion alone must not kick.
	if err := mem.Write16(usedEventAddr, 1); err != nil {
		t.Fatalf("write used_event: %v", err)
	}

	if err := q.AddUsed(0, 4); err != nil {
		t.Fatalf("AddUsed: %v", err)
	}
	kick, err := q.PrepareKick()
	if err != nil {
		t.Fatalf("PrepareKick: %v", err)
	}
	if kick {
		t.Error("PrepareKick before used_event threshold is crossed: want false")
	}

	if err := q.AddUsed(1, 4); err != nil {
		t.Fatalf("AddUsed: %v", err)
	}
	kick, err = q.PrepareKick()
	if err != nil {
		t.Fatalf("PrepareKick: %v", err)
	}
	if !kick {
		t.Error("PrepareKick after crossing used_event threshold: want true")
	}
}

func TestQueueUndoPopReplaysSameDescriptor(t *testing.T) {
	mem, q := newTestQueue(t, 4)
	descTable := uint64(testBase)
	writeDescriptor(t, mem, descTable, 0, testBase+0x2000, 4, 0, 0)
	publishAvail(t, mem, descTable+4*16, 1, 0)

	first, err := q.Pop()
	if err != nil || first == nil {
		t.Fatalf("Pop: chain=%v err=%v", first, err)
	}

	q.UndoPop()

	second, err := q.Pop()
	if err != nil || second == nil {
		t.Fatalf("Pop after UndoPop: chain=%v err=%v", second, err)
	}
	if second.Index != first.Index {
		t.Errorf("Pop after UndoPop returned index %d, want %d", second.Index, first.Index)
	}

	if third, err := q.Pop(); err != nil || third != nil {
		t.Fatalf("Pop after replay: chain=%v err=%v, want nil,nil", third, err)
	}
}

func TestQueueAddUsedRejectsOutOfBoundsHead(t *testing.T) {
	_, q := newTestQueue(t, 4)
	if err := q.AddUsed(4, 10); err == nil {
		t.Fatal("AddUsed with head == size: want error")
	}
	if err := q.AddUsed(99, 10); err == nil {
		t.Fatal("AddUsed with head far past size: want error")
	}
}

func TestQueuePopAbortsWhenAvailCountExceedsSize(t *testing.T) {
	mem, q := newTestQueue(t, 4)
	descTable := uint64(testBase)
	for i := uint16(0); i < 4; i++ {
		writeDescriptor(t, mem, descTable, i, testBase+0x2000, 4, 0, 0)
	}
	// A driver publishing avail.idx 5 ahead of next_avail (0) claims 5
	// pending chains in a 4-entry ring; Pop must refuse to trust it.
	publishAvail(t, mem, descTable+4*16, 5, 0, 1, 2, 3, 0)

	defer func() {
		if recover() == nil {
			t.Fatal("Pop with avail count beyond queue size: want panic, got none")
		}
	}()
	q.Pop()
}

func TestQueuePopOrEnableNotificationWithoutEventIdxBehavesLikePop(t *testing.T) {
	mem, q := newTestQueue(t, 4)
	q.SetEventIdxEnabled(false)
	descTable := uint64(testBase)
	writeDescriptor(t, mem, descTable, 0, testBase+0x2000, 4, 0, 0)

	if chain, err := q.PopOrEnableNotification(); err != nil || chain != nil {
		t.Fatalf("PopOrEnableNotification on empty ring: chain=%v err=%v, want nil,nil", chain, err)
	}

	publishAvail(t, mem, descTable+4*16, 1, 0)
	chain, err := q.PopOrEnableNotification()
	if err != nil || chain == nil {
		t.Fatalf("PopOrEnableNotification: chain=%v err=%v", chain, err)
	}
	if chain.Index != 0 {
		t.Errorf("chain.Index = %d, want 0", chain.Index)
	}
}

func TestQueuePopOrEnableNotificationArmsAvailEventOnEmptyRing(t *testing.T) {
	mem, q := newTestQueue(t, 4)
	q.SetEventIdxEnabled(true)
	descTable := uint64(testBase)
	usedAddr := descTable + 4*16 + 0x1000
	avail := usedAddr + 4 + 4*8

	chain, err := q.PopOrEnableNotification()
	if err != nil || chain != nil {
		t.Fatalf("PopOrEnableNotification on empty ring: chain=%v err=%v, want nil,nil", chain, err)
	}

	got, err := mem.Read16(avail)
	if err != nil {
		t.Fatalf("Read16(avail_event): %v", err)
	}
	if got != 0 {
		t.Errorf("avail_event = %d, want 0 (next_avail)", got)
	}
}

func TestQueuePopOrEnableNotificationResolvesRaceInsteadOfSleeping(t *testing.T) {
	mem, q := newTestQueue(t, 4)
	q.SetEventIdxEnabled(true)
	descTable := uint64(testBase)
	writeDescriptor(t, mem, descTable, 0, testBase+0x2000, 4, 0, 0)

	// The driver publishes the descriptor before PopOrEnableNotification's
	// re-check runs, simulating the race it exists to close.
	publishAvail(t, mem, descTable+4*16, 1, 0)

	chain, err := q.PopOrEnableNotification()
	if err != nil {
		t.Fatalf("PopOrEnableNotification: %v", err)
	}
	if chain == nil {
		t.Fatal("PopOrEnableNotification: want the raced-in chain, got nil")
	}
}

func TestQueueEnableNotificationDetectsRace(t *testing.T) {
	mem, q := newTestQueue(t, 4)
	q.SetEventIdxEnabled(true)
	descTable := uint64(testBase)
	writeDescriptor(t, mem, descTable, 0, testBase+0x2000, 4, 0, 0)

	// Nothing published yet.
	hasWork, err := q.EnableNotification()
	if err != nil {
		t.Fatalf("EnableNotification: %v", err)
	}
	if hasWork {
		t.Error("EnableNotification: want no work pending")
	}

	// The driver publishes a descriptor concurrently with the device
	// re-arming notifications; EnableNotification's re-check must see it.
	publishAvail(t, mem, descTable+4*16, 1, 0)

	hasWork, err = q.EnableNotification()
	if err != nil {
		t.Fatalf("EnableNotification: %v", err)
	}
	if !hasWork {
		t.Error("EnableNotification: want pending work to be observed")
	}

	if _, err := q.Pop(); err != nil {
		t.Fatalf("Pop: %v", err)
	}
}
