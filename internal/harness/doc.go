// Package harness turns a notebook into a suite of per-cell test items.
//
// A Suite owns exactly one kernel session for its whole lifetime:
//
//	suite := harness.NewSuite(nb, launcher)
//	result, err := suite.Run(ctx)
//
// Run is Setup, every Item in document order, then Teardown. Items share
// the live interpreter, so state defined by one cell is visible to the
// next. A failing cell never stops the cells after it and the session is
// never restarted between cells.
//
// Test runners that drive items one by one (see package nbtest) call Setup,
// Collect, Item.Run and Teardown themselves.
//
// # Outcomes
//
// Every item ends in one of three outcomes:
//   - pass: outputs matched
//   - fail: outputs differed, or the kernel did not answer in time
//   - error: anything else (submission failed, session lost)
//
// # Deterministic Reports
//
// Result.CanonicalMap and AssertGolden produce byte-stable reports for
// golden comparison, provided the session is deterministic (see
// testutil.ScriptedSession).
package harness
