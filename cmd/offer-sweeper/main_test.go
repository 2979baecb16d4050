package main

import (
	"context"
	"errors"
	"testing"

	lambdaevents "github.com/aws/aws-lambda-go/events"

	"github.com/wolfman30/pearlflow/internal/scheduling"
	"github.com/wolfman30/pearlflow/pkg/logging"
)

type stubExpirer struct {
	offers []scheduling.MoveOffer
	err    error
	calls  int
}

func (s *stubExpirer) ExpireOffers(context.Context) ([]scheduling.MoveOffer, error) {
	s.calls++
	return s.offers, s.err
}

func TestHandleReportsExpiredOffers(t *testing.T) {
	stub := &stubExpirer{offers: []scheduling.MoveOffer{{ID: "off-1"}, {ID: "off-2"}}}

	out, err := handle(context.Background(), stub, logging.Discard(), lambdaevents.CloudWatchEvent{ID: "evt-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Expired != 2 {
		t.Fatalf("expected 2 expired, got %d", out.Expired)
	}
	if len(out.OfferIDs) != 2 || out.OfferIDs[0] != "off-1" || out.OfferIDs[1] != "off-2" {
		t.Fatalf("unexpected offer ids: %v", out.OfferIDs)
	}
}

func TestHandleEmptySweep(t *testing.T) {
	stub := &stubExpirer{}

	out, err := handle(context.Background(), stub, logging.Discard(), lambdaevents.CloudWatchEvent{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Expired != 0 || out.OfferIDs == nil {
		t.Fatalf("expected empty, non-nil summary, got %+v", out)
	}
}

func TestHandlePropagatesStoreErrors(t *testing.T) {
	stub := &stubExpirer{err: errors.New("db down")}

	if _, err := handle(context.Background(), stub, logging.Discard(), lambdaevents.CloudWatchEvent{}); err == nil {
		t.Fatalf("expected error")
	}
	if stub.calls != 1 {
		t.Fatalf("expected one sweep, got %d", stub.calls)
	}
}
