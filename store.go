package coap

import (
	"crypto/rand"
	"math/big"
	mrand "math/rand"
	"net"
	"time"
)

type idKey struct {
	peer string
	id   uint16
}

type tokenKey struct {
	peer  string
	token string
}

// Store holds the two indices over live exchanges described in spec
// §4.3: byID matches ACK/RST to their CON and deduplicates incoming
// CONs/NONs; byToken matches responses and observe notifications to
// the request that triggered them. It is owned by one Endpoint and
// mutated only from that endpoint's event loop (spec §5) — no locking.
type Store struct {
	cfg Config

	byID    map[idKey]*Exchange
	byToken map[tokenKey]*Exchange

	rng   *mrand.Rand
	nextID uint16
}

// NewStore builds an empty Store. If cfg.UseRandomIDStart the initial
// message-ID counter is randomised; otherwise it starts at 0 (spec
// §4.3).
func NewStore(cfg Config) *Store {
	s := &Store{
		cfg:     cfg,
		byID:    make(map[idKey]*Exchange),
		byToken: make(map[tokenKey]*Exchange),
		rng:     mrand.New(mrand.NewSource(time.Now().UnixNano())),
	}
	if cfg.UseRandomIDStart {
		s.nextID = uint16(s.rng.Intn(1 << 16))
	}
	return s
}

func peerKey(peer net.Addr) string {
	if peer == nil {
		return ""
	}
	return peer.String()
}

// AllocateID returns the next message-ID for peer, skipping any value
// currently occupied in byID for that peer (spec §4.3).
func (s *Store) AllocateID(peer net.Addr) uint16 {
	pk := peerKey(peer)
	for {
		id := s.nextID
		s.nextID++
		if _, used := s.byID[idKey{peer: pk, id: id}]; !used {
			return id
		}
	}
}

// AllocateToken returns a token unique among live byToken entries for
// peer. Tokens are 8 random bytes by default (cfg.UseRandomTokenStart);
// otherwise a 1-byte token drawn from the store's math/rand source is
// used.
func (s *Store) AllocateToken(peer net.Addr) []byte {
	pk := peerKey(peer)
	for {
		var tok []byte
		if s.cfg.UseRandomTokenStart {
			tok = randomToken()
		} else {
			tok = []byte{byte(s.rng.Intn(256))}
		}
		if _, used := s.byToken[tokenKey{peer: pk, token: string(tok)}]; !used {
			return tok
		}
	}
}

func randomToken() []byte {
	tok := make([]byte, 8)
	if _, err := rand.Read(tok); err != nil {
		// crypto/rand failure is effectively unheard of on real
		// platforms; fall back to a large random integer rather than
		// ever handing out an all-zero token.
		n, _ := rand.Int(rand.Reader, big.NewInt(1<<62))
		v := uint64(n.Int64())
		for i := range tok {
			tok[i] = byte(v >> (8 * uint(i)))
		}
	}
	return tok
}

// PutByID indexes ex under (peer, id).
func (s *Store) PutByID(peer net.Addr, id uint16, ex *Exchange) {
	s.byID[idKey{peer: peerKey(peer), id: id}] = ex
}

// PutByToken indexes ex under (peer, token).
func (s *Store) PutByToken(peer net.Addr, token []byte, ex *Exchange) {
	s.byToken[tokenKey{peer: peerKey(peer), token: string(token)}] = ex
}

// LookupByID finds the exchange matching (peer, id), used to match
// ACK/RST to the CON they confirm and to detect duplicates.
func (s *Store) LookupByID(peer net.Addr, id uint16) (*Exchange, bool) {
	ex, ok := s.byID[idKey{peer: peerKey(peer), id: id}]
	return ex, ok
}

// LookupByToken finds the exchange matching (peer, token).
func (s *Store) LookupByToken(peer net.Addr, token []byte) (*Exchange, bool) {
	ex, ok := s.byToken[tokenKey{peer: peerKey(peer), token: string(token)}]
	return ex, ok
}

// RemoveByID drops the (peer, id) index entry.
func (s *Store) RemoveByID(peer net.Addr, id uint16) {
	delete(s.byID, idKey{peer: peerKey(peer), id: id})
}

// RemoveByToken drops the (peer, token) index entry.
func (s *Store) RemoveByToken(peer net.Addr, token []byte) {
	delete(s.byToken, tokenKey{peer: peerKey(peer), token: string(token)})
}

// Remove drops ex from both indices, keyed off its current request.
func (s *Store) Remove(ex *Exchange) {
	if ex == nil || ex.Request == nil {
		return
	}
	s.RemoveByID(ex.Peer, ex.Request.MessageID)
	if len(ex.Request.Token) > 0 {
		s.RemoveByToken(ex.Peer, ex.Request.Token)
	}
}

// Sweep expires byID entries of completed exchanges whose Timestamp is
// older than lifetime, implementing the
// periodic mark-and-sweep from spec §4.3. It does not touch byToken:
// token-indexed exchanges are removed explicitly on completion/
// cancellation by the layer that owns their lifecycle.
func (s *Store) Sweep(now time.Time, lifetime time.Duration) {
	for k, ex := range s.byID {
		if ex.Completed && now.Sub(ex.Timestamp) > lifetime {
			delete(s.byID, k)
		}
	}
}

// Duplicate reports whether (peer, id) is already tracked — i.e. msg is
// a duplicate CON/NON delivery (spec §4.3).
func (s *Store) Duplicate(peer net.Addr, id uint16) (*Exchange, bool) {
	return s.LookupByID(peer, id)
}
