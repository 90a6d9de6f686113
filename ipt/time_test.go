package ipt

import "testing"

func TestTime_Updates(t *testing.T) {
	var tm Time
	assertEqual(t, uint64(0), tm.TSC(), "timestamp before first update")
	assertEqual(t, uint32(0), tm.Ratio(), "ratio before first update")

	tm.UpdateTSC(0x82f9d0cf5f)
	assertEqual(t, uint64(0x82f9d0cf5f), tm.TSC(), "timestamp after update")

	tm.UpdateCBR(0x2a)
	assertEqual(t, uint32(0x2a), tm.Ratio(), "ratio after update")

	// Later packets overwrite; values are running, not accumulated.
	tm.UpdateTSC(0x82f9d0d625)
	assertEqual(t, uint64(0x82f9d0d625), tm.TSC(), "timestamp after second update")
}

func TestTime_Clear(t *testing.T) {
	var tm Time
	tm.UpdateTSC(1)
	tm.UpdateCBR(2)
	tm.Clear()
	assertEqual(t, uint64(0), tm.TSC(), "timestamp after clear")
	assertEqual(t, uint32(0), tm.Ratio(), "ratio after clear")
}
