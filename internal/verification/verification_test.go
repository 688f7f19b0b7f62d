package verification

import "testing"

func TestPreHashVerifies(t *testing.T) {
	svc := New(nil)
	pre, err := svc.EmitPre(
		GrammarRef{Identity: "g1", Hash: "abc"},
		Provenance{Executor: "exec-1", Project: "p1"},
		Validations{GrammarCompliance: true, TimeModelActive: true, ExecutorSignature: true, ProvenanceChain: true},
		map[string]any{"balance": 100.0},
		nil,
	)
	if err != nil {
		t.Fatalf("EmitPre: %v", err)
	}
	ok, err := VerifyPre(pre)
	if err != nil || !ok {
		t.Fatalf("expected pre span to verify, ok=%v err=%v", ok, err)
	}

	pre.StateBefore["balance"] = 999.0
	ok, err = VerifyPre(pre)
	if err != nil {
		t.Fatalf("VerifyPre: %v", err)
	}
	if ok {
		t.Fatal("expected tampered pre span to fail verification")
	}
}

func TestPostChainsToPreAndSharesStateBefore(t *testing.T) {
	svc := New(nil)
	pre, _ := svc.EmitPre(GrammarRef{Identity: "g1"}, Provenance{}, Validations{}, map[string]any{"x": 1.0}, nil)
	post, err := svc.EmitPost(pre, map[string]any{"x": 2.0}, PostValidations{StateTransition: true}, "checkpoint-1")
	if err != nil {
		t.Fatalf("EmitPost: %v", err)
	}

	ok, err := VerifyPost(post)
	if err != nil || !ok {
		t.Fatalf("expected post span to verify, ok=%v err=%v", ok, err)
	}

	if !VerifyChain(pre, post) {
		t.Fatal("expected chain invariants (a)/(b) to hold for matching pre/post")
	}
}

func TestVerifyChainRejectsMismatchedPreSpan(t *testing.T) {
	svc := New(nil)
	pre1, _ := svc.EmitPre(GrammarRef{Identity: "g1"}, Provenance{}, Validations{}, map[string]any{"x": 1.0}, nil)
	pre2, _ := svc.EmitPre(GrammarRef{Identity: "g1"}, Provenance{}, Validations{}, map[string]any{"x": 5.0}, nil)
	post, _ := svc.EmitPost(pre1, map[string]any{"x": 2.0}, PostValidations{}, "")

	if VerifyChain(pre2, post) {
		t.Fatal("expected chain verification to fail against an unrelated pre span")
	}
}

func TestVerifyChainRejectsNilSpans(t *testing.T) {
	if VerifyChain(nil, nil) {
		t.Fatal("expected nil pre/post to fail chain verification")
	}
}
