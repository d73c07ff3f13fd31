package lingocall

import (
	"github.com/pion/webrtc/v4"
)

const maxQueuedCandidates = 256

// PeerLink is the negotiated connection to the one remote participant.
// All fields are owned by the client event loop.
type PeerLink struct {
	conn PeerConn

	makingOffer bool // offer creation in flight
	localOffer  bool // have-local-offer, awaiting an answer
	remoteSet   bool

	remote []RemoteTrack
}

func newPeerLink(conn PeerConn) *PeerLink {
	return &PeerLink{conn: conn}
}

// offerOutstanding reports whether an inbound offer would collide with ours.
func (l *PeerLink) offerOutstanding() bool {
	return l.makingOffer || l.localOffer
}

// RemoteTracks returns the inbound tracks seen so far.
func (l *PeerLink) RemoteTracks() []RemoteTrack {
	return append([]RemoteTrack(nil), l.remote...)
}

// candidateQueue holds remote candidates that arrived before a remote
// description. Overflow drops the newest so the queued prefix keeps its order.
type candidateQueue struct {
	items []webrtc.ICECandidateInit
}

func (q *candidateQueue) push(c webrtc.ICECandidateInit) bool {
	if len(q.items) >= maxQueuedCandidates {
		return false
	}
	q.items = append(q.items, c)
	return true
}

func (q *candidateQueue) len() int {
	return len(q.items)
}

// drain returns the queued candidates in arrival order and empties the queue.
func (q *candidateQueue) drain() []webrtc.ICECandidateInit {
	items := q.items
	q.items = nil
	return items
}

func (q *candidateQueue) clear() {
	q.items = nil
}
