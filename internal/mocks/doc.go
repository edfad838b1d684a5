// Package mocks provides reusable test doubles.
//
// MockAdapter implements generation.Adapter with function fields and call
// counters. Script builders return functions that step through a fixed
// sequence of outcomes, repeating the last one:
//
//	adapter := &mocks.MockAdapter{
//	    NameValue: "fake",
//	    StartFn:   mocks.StartSequence(mocks.StartPending("op-1")),
//	    PollStatusFn: mocks.PollSequence(
//	        mocks.PollPending(),
//	        mocks.PollDone(&domain.Result{URL: "https://cdn/x.mp4"}),
//	    ),
//	}
//
// MockJWTService implements auth.JWTService for handler and middleware tests.
package mocks
