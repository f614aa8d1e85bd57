package signaling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/callrecord"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/session"
)

type callParty interface {
	session.RecordService
	session.Relay
}

type peer struct {
	o      *session.Orchestrator
	snaps  chan session.Snapshot
	errs   chan error
	tracks chan *webrtc.TrackRemote
}

func newPeer(t *testing.T, userID string, party callParty, api *webrtc.API, mutate func(*session.Config)) *peer {
	t.Helper()
	p := &peer{
		snaps:  make(chan session.Snapshot, 64),
		errs:   make(chan error, 8),
		tracks: make(chan *webrtc.TrackRemote, 4),
	}
	cfg := session.Config{
		LocalID: userID,
		Records: party,
		Relay:   party,
		Media:   media.NewSource(media.SyntheticDevice{}, newTestLogger()),
		Engines: session.NegotiationFactory{API: api, Logger: newTestLogger()},
		Logger:  newTestLogger(),
		Retry:   session.RetryPolicy{Attempts: 2, Backoff: 10 * time.Millisecond},
		// Observers run on the loop goroutine and must not block.
		OnStateChange: func(s session.Snapshot) {
			select {
			case p.snaps <- s:
			default:
			}
		},
		OnError: func(_ string, err error) {
			select {
			case p.errs <- err:
			default:
			}
		},
		OnRemoteTrack: func(_ string, tr *webrtc.TrackRemote) {
			select {
			case p.tracks <- tr:
			default:
			}
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := session.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("session.New(%s): %v", userID, err)
	}
	t.Cleanup(func() { _ = o.Close() })
	p.o = o
	return p
}

// waitFor consumes snapshots until one matches.
func (p *peer) waitFor(t *testing.T, what string, timeout time.Duration, match func(session.Snapshot) bool) session.Snapshot {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case s := <-p.snaps:
			if match(s) {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s (last state %s)", what, p.o.State().State)
			return session.Snapshot{}
		}
	}
}

func inState(state session.State) func(session.Snapshot) bool {
	return func(s session.Snapshot) bool { return s.State == state }
}

func idleWith(reason session.EndReason) func(session.Snapshot) bool {
	return func(s session.Snapshot) bool { return s.State == session.StateIdle && s.Reason == reason }
}

func waitOnline(t *testing.T, hub *relay.Hub, userID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if online, err := hub.Online(context.Background(), userID); err == nil && online {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s never came online", userID)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitStatus(t *testing.T, records *callrecord.Service, userID, callID string, want callrecord.Status) callrecord.Record {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		rec, err := records.Get(context.Background(), userID, callID)
		if err == nil && rec.Status == want {
			return rec
		}
		if time.Now().After(deadline) {
			t.Fatalf("call %s status=%s err=%v, want %s", callID, rec.Status, err, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func newVNetAPIs(t *testing.T) (*webrtc.API, *webrtc.API) {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	for _, n := range []*vnet.Net{netA, netB} {
		if err := router.AddNet(n); err != nil {
			t.Fatalf("add net: %v", err)
		}
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	apiA, err := negotiation.NewAPI(config.Config{}, nil, func(se *webrtc.SettingEngine) { se.SetNet(netA) })
	if err != nil {
		t.Fatalf("new api A: %v", err)
	}
	apiB, err := negotiation.NewAPI(config.Config{}, nil, func(se *webrtc.SettingEngine) { se.SetNet(netB) })
	if err != nil {
		t.Fatalf("new api B: %v", err)
	}
	return apiA, apiB
}

func TestCall_AcceptConnectAndHangUp(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	apiA, apiB := newVNetAPIs(t)

	alice := newPeer(t, "alice", env.client(t, "alice"), apiA, nil)
	bob := newPeer(t, "bob", env.client(t, "bob"), apiB, nil)
	waitOnline(t, env.hub, "alice")
	waitOnline(t, env.hub, "bob")

	callID, err := alice.o.StartCall(ctx, "bob", callrecord.MediaVideo)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	ringing := bob.waitFor(t, "bob ringing", 3*time.Second, inState(session.StateRinging))
	if ringing.CallID != callID || ringing.Role != session.RoleCallee || ringing.PeerID != "alice" || ringing.MediaKind != callrecord.MediaVideo {
		t.Fatalf("bob ringing snapshot=%+v", ringing)
	}
	alice.waitFor(t, "alice ringing", 3*time.Second, inState(session.StateRinging))

	if err := bob.o.Accept(ctx); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	alice.waitFor(t, "alice connected", 20*time.Second, inState(session.StateConnected))
	bob.waitFor(t, "bob connected", 20*time.Second, inState(session.StateConnected))

	rec := waitStatus(t, env.records, "alice", callID, callrecord.StatusAccepted)
	if rec.StartedAt == nil {
		t.Fatalf("accepted record has no startedAt: %+v", rec)
	}
	select {
	case <-bob.tracks:
	case <-time.After(10 * time.Second):
		t.Fatalf("bob never received a remote track")
	}

	if err := alice.o.EndCall(ctx); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	alice.waitFor(t, "alice idle", 3*time.Second, inState(session.StateIdle))
	bob.waitFor(t, "bob ending", 3*time.Second, inState(session.StateEnding))
	bob.waitFor(t, "bob idle", 3*time.Second, idleWith(session.ReasonEnded))

	rec = waitStatus(t, env.records, "bob", callID, callrecord.StatusEnded)
	if rec.EndedAt == nil {
		t.Fatalf("ended record has no endedAt: %+v", rec)
	}
	if err := alice.o.EndCall(ctx); err != nil {
		t.Fatalf("second EndCall: %v", err)
	}
}

// newLocalParties returns in-process parties sharing one hub and record
// service.
func newLocalParties(t *testing.T, userIDs ...string) (*callrecord.Service, map[string]Local) {
	t.Helper()
	hub := relay.NewHub(relay.HubConfig{Logger: newTestLogger()})
	t.Cleanup(func() { _ = hub.Close() })
	records := callrecord.NewService(callrecord.ServiceConfig{Notifier: hub, Presence: hub, Logger: newTestLogger()})

	parties := make(map[string]Local, len(userIDs))
	for _, id := range userIDs {
		parties[id] = Local{UserID: id, Records: records, Hub: hub}
	}
	return records, parties
}

func TestCall_Reject(t *testing.T) {
	ctx := context.Background()
	records, parties := newLocalParties(t, "alice", "bob")
	alice := newPeer(t, "alice", parties["alice"], webrtc.NewAPI(), nil)
	bob := newPeer(t, "bob", parties["bob"], webrtc.NewAPI(), nil)

	callID, err := alice.o.StartCall(ctx, "bob", callrecord.MediaAudio)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	bob.waitFor(t, "bob ringing", 3*time.Second, inState(session.StateRinging))

	if err := bob.o.Reject(ctx); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	bob.waitFor(t, "bob idle", 3*time.Second, inState(session.StateIdle))
	alice.waitFor(t, "alice rejected", 3*time.Second, idleWith(session.ReasonRejected))

	rec := waitStatus(t, records, "alice", callID, callrecord.StatusRejected)
	if rec.StartedAt != nil || rec.EndedAt == nil {
		t.Fatalf("rejected record=%+v", rec)
	}
}

func TestCall_RingTimeout(t *testing.T) {
	ctx := context.Background()
	records, parties := newLocalParties(t, "alice", "bob")
	alice := newPeer(t, "alice", parties["alice"], webrtc.NewAPI(), func(c *session.Config) {
		c.RingTimeout = 200 * time.Millisecond
	})
	bob := newPeer(t, "bob", parties["bob"], webrtc.NewAPI(), nil)

	callID, err := alice.o.StartCall(ctx, "bob", callrecord.MediaAudio)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	bob.waitFor(t, "bob ringing", 3*time.Second, inState(session.StateRinging))

	alice.waitFor(t, "alice timeout", 3*time.Second, idleWith(session.ReasonTimeout))
	select {
	case err := <-alice.errs:
		if !errors.Is(err, session.ErrTimeout) {
			t.Fatalf("alice error=%v, want %v", err, session.ErrTimeout)
		}
	case <-time.After(time.Second):
		t.Fatalf("alice saw no timeout error")
	}
	bob.waitFor(t, "bob stops ringing", 3*time.Second, idleWith(session.ReasonRejected))
	waitStatus(t, records, "bob", callID, callrecord.StatusRejected)
}

func TestCall_BusyCalleeRejectsSecondCall(t *testing.T) {
	ctx := context.Background()
	records, parties := newLocalParties(t, "alice", "bob", "carol")
	alice := newPeer(t, "alice", parties["alice"], webrtc.NewAPI(), nil)
	bob := newPeer(t, "bob", parties["bob"], webrtc.NewAPI(), nil)
	carol := newPeer(t, "carol", parties["carol"], webrtc.NewAPI(), nil)

	first, err := alice.o.StartCall(ctx, "bob", callrecord.MediaAudio)
	if err != nil {
		t.Fatalf("alice StartCall: %v", err)
	}
	bob.waitFor(t, "bob ringing", 3*time.Second, inState(session.StateRinging))

	second, err := carol.o.StartCall(ctx, "bob", callrecord.MediaVideo)
	if err != nil {
		t.Fatalf("carol StartCall: %v", err)
	}
	carol.waitFor(t, "carol rejected", 3*time.Second, idleWith(session.ReasonRejected))
	waitStatus(t, records, "carol", second, callrecord.StatusRejected)

	if s := bob.o.State(); s.State != session.StateRinging || s.CallID != first {
		t.Fatalf("bob state=%+v, want still ringing for %s", s, first)
	}
	if err := alice.o.Cancel(ctx); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	bob.waitFor(t, "bob idle", 3*time.Second, idleWith(session.ReasonRejected))
}

func TestLocal_SubscribeOnlyOwnInbox(t *testing.T) {
	_, parties := newLocalParties(t, "alice")
	if _, err := parties["alice"].Subscribe(context.Background(), "bob", nil); !errors.Is(err, callrecord.ErrForbidden) {
		t.Fatalf("err=%v, want %v", err, callrecord.ErrForbidden)
	}
}
