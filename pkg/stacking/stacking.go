// Package stacking implements the RoadStack driver: the cooperative
// service loop that owns a UDP socket, the transaction table, and the
// estate registry, and turns application Join/Allow/Transmit calls into
// packets on the wire.
package stacking

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gtmanfred/raet/pkg/estating"
	"github.com/gtmanfred/raet/pkg/keeping"
	"github.com/gtmanfred/raet/pkg/log"
	"github.com/gtmanfred/raet/pkg/metrics"
	"github.com/gtmanfred/raet/pkg/nacling"
	"github.com/gtmanfred/raet/pkg/packeting"
	"github.com/gtmanfred/raet/pkg/raeting"
	"github.com/gtmanfred/raet/pkg/transacting"
	"github.com/rs/zerolog"
)

// ErrUnknownRemote is returned by Transmit/DumpRemote/Allow when asked to
// act on an eid the registry has never heard of.
var ErrUnknownRemote = errors.New("stacking: unknown remote")

// Road and safe keep schemas, per spec.md §4.1. The road schema is shared
// by local and remote records (a local record's "rsid" is an unused
// placeholder); the safe schema differs by category, so local and remote
// each get their own FileKeep value even though both write into the same
// "safe"-prefixed directory.
var (
	roadFields       = []string{"eid", "name", "host", "port", "sid", "rsid", "main"}
	safeFieldsLocal  = []string{"sighex", "prihex"}
	safeFieldsRemote = []string{"acceptance", "verhex", "pubhex"}
)

// InboundMessage is handed to the application whenever a Messengent
// delivers a decoded payload.
type InboundMessage struct {
	FromEid uint32
	Body    []byte
}

// DeliveryFailure reports a Messenger-with-Wf transaction that timed out
// without an ack, per spec.md §7's TransactionTimeout.
type DeliveryFailure struct {
	Eid uint32
	Err error
}

// Config configures a RoadStack, per spec.md §6.
type Config struct {
	Name       string
	Main       bool
	DirPath    string
	Eid        uint32
	Host       string
	Port       int
	BufCnt     int
	AutoAccept bool

	Hk raeting.HeadKind
	Bk raeting.BodyKind
	Fk raeting.FootKind
	Ck raeting.CoatKind
	Bf bool
	Wf bool
}

func (c Config) codecs() transacting.Codecs {
	return transacting.Codecs{Hk: c.Hk, Bk: c.Bk, Fk: c.Fk, Ck: c.Ck}
}

type rxEntry struct {
	data []byte
	addr *net.UDPAddr
}

type txEntry struct {
	data []byte
	addr *net.UDPAddr
}

type txMsgRequest struct {
	deid uint32
	body []byte
	bf   bool
	wf   bool
}

// RoadStack is the transaction-oriented protocol engine of spec.md §1. It
// is single-threaded: every exported method except Inbox/Failures is meant
// to be called from the same goroutine that calls Service.
type RoadStack struct {
	cfg           Config
	conn          *net.UDPConn
	registry      *estating.Registry
	roadKeep      *keeping.FileKeep
	safeLocalKeep *keeping.FileKeep
	safeRemoteKeep *keeping.FileKeep
	signer        *nacling.NaclSuite
	table         *transacting.Table
	log           zerolog.Logger

	rxes   []rxEntry
	txes   []txEntry
	txMsgs []txMsgRequest

	nextTid uint32

	inbox    chan InboundMessage
	failures chan DeliveryFailure
}

// New constructs a RoadStack: it opens (or creates) the keep store under
// cfg.DirPath/cfg.Name, restores a previously persisted local estate and
// its known remotes if present, otherwise mints a fresh identity, and
// binds the UDP socket at cfg.Host:cfg.Port.
func New(cfg Config) (*RoadStack, error) {
	if cfg.BufCnt <= 0 {
		cfg.BufCnt = 64
	}

	roadDir := cfg.DirPath + "/" + cfg.Name
	roadKeep, err := keeping.NewFileKeep(roadDir, "road", roadFields)
	if err != nil {
		return nil, fmt.Errorf("stacking: road keep: %w", err)
	}
	safeLocalKeep, err := keeping.NewFileKeep(roadDir, "safe", safeFieldsLocal)
	if err != nil {
		return nil, fmt.Errorf("stacking: safe keep: %w", err)
	}
	safeRemoteKeep, err := keeping.NewFileKeep(roadDir, "safe", safeFieldsRemote)
	if err != nil {
		return nil, fmt.Errorf("stacking: safe keep: %w", err)
	}

	local, suite, err := loadOrCreateLocal(roadKeep, safeLocalKeep, cfg)
	if err != nil {
		return nil, err
	}
	registry := estating.NewRegistry(local)
	if err := loadRemotes(registry, roadKeep, safeRemoteKeep); err != nil {
		return nil, err
	}

	addr := &net.UDPAddr{IP: net.ParseIP(cfg.Host), Port: cfg.Port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("stacking: bind %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	if local.Port == 0 {
		local.Port = conn.LocalAddr().(*net.UDPAddr).Port
	}

	logger := log.WithEid(local.Eid).With().
		Str("component", "roadstack").Str("stack", cfg.Name).Logger()

	rs := &RoadStack{
		cfg:            cfg,
		conn:           conn,
		registry:       registry,
		roadKeep:       roadKeep,
		safeLocalKeep:  safeLocalKeep,
		safeRemoteKeep: safeRemoteKeep,
		signer:         suite,
		table:          transacting.NewTable(),
		log:            logger,
		inbox:          make(chan InboundMessage, cfg.BufCnt),
		failures:       make(chan DeliveryFailure, cfg.BufCnt),
	}
	return rs, nil
}

// loadOrCreateLocal restores the local estate's road+safe records if both
// are present, otherwise generates a fresh identity and persists it.
func loadOrCreateLocal(roadKeep, safeKeep *keeping.FileKeep, cfg Config) (*estating.LocalEstate, *nacling.NaclSuite, error) {
	road, err := roadKeep.LoadLocal()
	if err != nil {
		return nil, nil, err
	}
	safe, err := safeKeep.LoadLocal()
	if err != nil {
		return nil, nil, err
	}
	if road != nil && safe != nil {
		local, suite, err := decodeLocal(road, safe)
		if err == nil {
			return local, suite, nil
		}
	}

	suite, err := nacling.GenerateSuite()
	if err != nil {
		return nil, nil, fmt.Errorf("stacking: generate keys: %w", err)
	}
	local := &estating.LocalEstate{
		Eid: cfg.Eid, Name: cfg.Name, Host: cfg.Host, Port: cfg.Port,
		Sid: 1, Main: cfg.Main,
		SignKeyHex: suite.KeyHex(), PrivKeyHex: suite.PubHex(),
	}
	if err := dumpLocal(roadKeep, safeKeep, local, suite); err != nil {
		return nil, nil, err
	}
	return local, suite, nil
}

func decodeLocal(road, safe map[string]any) (*estating.LocalEstate, *nacling.NaclSuite, error) {
	local := &estating.LocalEstate{
		Eid:  toUint32(road["eid"]),
		Name: toString(road["name"]),
		Host: toString(road["host"]),
		Port: toInt(road["port"]),
		Sid:  toUint32(road["sid"]),
		Main: toBool(road["main"]),
	}
	sighex := toString(safe["sighex"])
	prihex := toString(safe["prihex"])
	suite, err := nacling.RestoreSuite(sighex, prihex)
	if err != nil {
		return nil, nil, err
	}
	local.SignKeyHex = suite.KeyHex()
	local.PrivKeyHex = suite.PubHex()
	return local, suite, nil
}

func dumpLocal(roadKeep, safeLocalKeep *keeping.FileKeep, local *estating.LocalEstate, suite *nacling.NaclSuite) error {
	road := map[string]any{
		"eid": local.Eid, "name": local.Name, "host": local.Host, "port": local.Port,
		"sid": local.Sid, "rsid": uint32(0), "main": local.Main,
	}
	safe := map[string]any{"sighex": suite.SigHex(), "prihex": suite.PriHex()}
	if err := roadKeep.DumpLocal(road); err != nil {
		return err
	}
	return safeLocalKeep.DumpLocal(safe)
}

func loadRemotes(registry *estating.Registry, roadKeep, safeRemoteKeep *keeping.FileKeep) error {
	roads, err := roadKeep.LoadAllRemote()
	if err != nil {
		return err
	}
	safes, err := safeRemoteKeep.LoadAllRemote()
	if err != nil {
		return err
	}
	for uid, road := range roads {
		if road == nil {
			continue
		}
		safe := safes[uid]
		re := &estating.RemoteEstate{
			Eid:  toUint32(road["eid"]),
			Name: toString(road["name"]),
			Host: toString(road["host"]),
			Port: toInt(road["port"]),
			Sid:  toUint32(road["sid"]),
			Rsid: toUint32(road["rsid"]),
		}
		if safe != nil {
			re.Acceptance = raeting.Acceptance(toString(safe["acceptance"]))
			re.VerHex = toString(safe["verhex"])
			re.PubHex = toString(safe["pubhex"])
		}
		registry.AddRemote(re)
	}
	return nil
}

func dumpRemote(roadKeep, safeRemoteKeep *keeping.FileKeep, remote *estating.RemoteEstate) error {
	uid := remoteUID(remote)
	road := map[string]any{
		"eid": remote.Eid, "name": remote.Name, "host": remote.Host, "port": remote.Port,
		"sid": remote.Sid, "rsid": remote.Rsid, "main": false,
	}
	safe := map[string]any{"acceptance": string(remote.Acceptance), "verhex": remote.VerHex, "pubhex": remote.PubHex}
	if err := roadKeep.DumpRemote(uid, road); err != nil {
		return err
	}
	return safeRemoteKeep.DumpRemote(uid, safe)
}

// remoteUID derives the filename uid a remote's records are stored under.
// The eid is the natural stable identifier once assigned; a remote
// discovered but not yet promoted out of pending (eid still 0) falls back
// to its hex-encoded name, which contains no whitespace since hex encoding
// never produces any.
func remoteUID(remote *estating.RemoteEstate) string {
	if remote.Eid != 0 {
		return fmt.Sprintf("%d", remote.Eid)
	}
	return hex.EncodeToString([]byte(remote.Name))
}

func toUint32(v any) uint32 {
	switch n := v.(type) {
	case float64:
		return uint32(n)
	case int:
		return uint32(n)
	case uint32:
		return n
	default:
		return 0
	}
}

func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}

func toBool(v any) bool {
	b, _ := v.(bool)
	return b
}

// Local returns a read-only snapshot of the stack's own identity.
func (rs *RoadStack) Local() estating.LocalEstate {
	return *rs.registry.Local
}

// Remotes returns a read-only snapshot of every known remote.
func (rs *RoadStack) Remotes() []estating.RemoteEstate {
	rs.log.Trace().Msg("snapshotting remotes")
	rms := rs.registry.Remotes()
	out := make([]estating.RemoteEstate, len(rms))
	for i, r := range rms {
		out[i] = *r
	}
	return out
}

// Inbox returns the channel the application reads delivered Message
// bodies from.
func (rs *RoadStack) Inbox() <-chan InboundMessage { return rs.inbox }

// Failures returns the channel the application reads Wf delivery
// failures from.
func (rs *RoadStack) Failures() <-chan DeliveryFailure { return rs.failures }

// Close releases the UDP socket. It does not clear persisted state.
func (rs *RoadStack) Close() error {
	return rs.conn.Close()
}

// DumpLocal persists the current local estate to both keeps.
func (rs *RoadStack) DumpLocal() error {
	return dumpLocal(rs.roadKeep, rs.safeLocalKeep, rs.registry.Local, rs.signer)
}

// DumpRemote persists one remote estate to both keeps.
func (rs *RoadStack) DumpRemote(eid uint32) error {
	remote := rs.registry.FetchByEid(eid)
	if remote == nil {
		return fmt.Errorf("stacking: dump remote %d: %w", eid, ErrUnknownRemote)
	}
	return dumpRemote(rs.roadKeep, rs.safeRemoteKeep, remote)
}

// LoadLocal reloads the local estate from the keep store, overwriting the
// in-memory copy. Used after a restart to restore eid and keys without a
// fresh Join, per spec.md §8 scenario 6.
func (rs *RoadStack) LoadLocal() error {
	road, err := rs.roadKeep.LoadLocal()
	if err != nil {
		return err
	}
	safe, err := rs.safeLocalKeep.LoadLocal()
	if err != nil {
		return err
	}
	if road == nil || safe == nil {
		return nil
	}
	local, suite, err := decodeLocal(road, safe)
	if err != nil {
		return err
	}
	*rs.registry.Local = *local
	rs.signer = suite
	return nil
}

// LoadRemotes reloads every remote from the keep store.
func (rs *RoadStack) LoadRemotes() error {
	return loadRemotes(rs.registry, rs.roadKeep, rs.safeRemoteKeep)
}

// ClearLocal removes the persisted local record, idempotently.
func (rs *RoadStack) ClearLocal() error {
	if err := rs.roadKeep.ClearLocal(); err != nil {
		return err
	}
	return rs.safeLocalKeep.ClearLocal()
}

// ClearAll removes every persisted record for this stack, idempotently.
func (rs *RoadStack) ClearAll() error {
	if err := rs.roadKeep.ClearAll(); err != nil {
		return err
	}
	if err := rs.safeLocalKeep.ClearAll(); err != nil {
		return err
	}
	return rs.safeRemoteKeep.ClearAll()
}

// deps builds the transacting.Deps bundle every transaction variant needs,
// wiring its Send/Deliver/NotifyFailure callbacks into this stack's own
// queues and keep store.
func (rs *RoadStack) deps() *transacting.Deps {
	return &transacting.Deps{
		Registry:   rs.registry,
		Signer:     rs.signer,
		Boxer:      rs.signer,
		Codecs:     rs.cfg.codecs(),
		AutoAccept: rs.cfg.AutoAccept,
		Main:       rs.cfg.Main,
		NextTid:    rs.nextTidFn,
		Send:       rs.send,
		Deliver:    rs.deliver,
		NotifyFailure: func(idx transacting.Index, err error) {
			metrics.TransactionTimeoutsTotal.WithLabelValues(string(idx.Kind), "initiator").Inc()
			rs.failures <- DeliveryFailure{Eid: idx.Reid, Err: err}
		},
		PersistJoin: func(local *estating.LocalEstate, remote *estating.RemoteEstate) error {
			if err := dumpLocal(rs.roadKeep, rs.safeLocalKeep, local, rs.signer); err != nil {
				return err
			}
			return dumpRemote(rs.roadKeep, rs.safeRemoteKeep, remote)
		},
		PersistSession: func(remote *estating.RemoteEstate) error {
			return dumpRemote(rs.roadKeep, rs.safeRemoteKeep, remote)
		},
	}
}

func (rs *RoadStack) nextTidFn() uint32 {
	rs.nextTid++
	return rs.nextTid
}

// send packs pkt and enqueues it on the outbound queue; a packing failure
// is logged and dropped rather than propagated into the caller transaction,
// matching spec.md §7's policy that per-packet errors never reach the
// application.
func (rs *RoadStack) send(pkt *packeting.TxPacket, host string, port int, peerPubHex string) {
	raw, err := pkt.Pack(rs.signer, rs.signer, peerPubHex)
	if err != nil {
		rs.log.Warn().Err(err).Str("kind", string(pkt.Data.Tk)).Msg("pack failed, dropping outbound packet")
		return
	}
	rs.txes = append(rs.txes, txEntry{data: raw, addr: &net.UDPAddr{IP: net.ParseIP(host), Port: port}})
}

func (rs *RoadStack) deliver(fromEid uint32, body []byte) {
	cp := make([]byte, len(body))
	copy(cp, body)
	rs.inbox <- InboundMessage{FromEid: fromEid, Body: cp}
}

// Join initiates identity exchange against the main estate at mha. If mha
// is nil it uses the address of an accepted remote, the first one met in
// registry iteration order; remotes carry no main flag, so that remote is
// not checked to be a main estate.
func (rs *RoadStack) Join(mha *net.UDPAddr) error {
	if mha == nil {
		for _, r := range rs.registry.Remotes() {
			if r.Acceptance == raeting.AcceptanceAccepted {
				mha = &net.UDPAddr{IP: net.ParseIP(r.Host), Port: r.Port}
				break
			}
		}
		if mha == nil {
			return fmt.Errorf("stacking: no main address known")
		}
	}
	tid := rs.nextTidFn()
	j := transacting.NewJoiner(rs.deps(), rs.registry.Local, mha.IP.String(), mha.Port, tid, time.Now(), nil)
	rs.table.Add(j)
	metrics.TransactionsStartedTotal.WithLabelValues(string(raeting.TxJoin), string(raeting.RoleInitiator)).Inc()
	return nil
}

// Allow initiates session liveness against reid, or against every accepted
// remote if reid is nil.
func (rs *RoadStack) Allow(reid *uint32) error {
	targets := rs.registry.Remotes()
	if reid != nil {
		r := rs.registry.FetchByEid(*reid)
		if r == nil {
			return fmt.Errorf("stacking: allow unknown remote %d: %w", *reid, ErrUnknownRemote)
		}
		targets = []*estating.RemoteEstate{r}
	}
	for _, r := range targets {
		if r.Acceptance != raeting.AcceptanceAccepted {
			continue
		}
		tid := rs.nextTidFn()
		a, err := transacting.NewAllower(rs.deps(), rs.registry.Local, r, tid, time.Now())
		if err != nil {
			rs.log.Warn().Err(err).Uint32("eid", r.Eid).Msg("allow skipped")
			continue
		}
		rs.table.Add(a)
		metrics.TransactionsStartedTotal.WithLabelValues(string(raeting.TxAllow), string(raeting.RoleInitiator)).Inc()
	}
	return nil
}

// Transmit enqueues an application message for delivery to deid. deid == 0
// means broadcast: the body is fanned out to every accepted remote, each
// as its own Messenger, with Bf forced true.
func (rs *RoadStack) Transmit(body []byte, deid uint32) error {
	if deid != 0 && rs.registry.FetchByEid(deid) == nil {
		return fmt.Errorf("stacking: transmit to unknown remote %d: %w", deid, ErrUnknownRemote)
	}
	rs.txMsgs = append(rs.txMsgs, txMsgRequest{deid: deid, body: body, bf: rs.cfg.Bf || deid == 0, wf: rs.cfg.Wf})
	return nil
}

// TransmitFlags is like Transmit but overrides the stack's default Bf/Wf
// for this one message.
func (rs *RoadStack) TransmitFlags(body []byte, deid uint32, bf, wf bool) error {
	if deid != 0 && rs.registry.FetchByEid(deid) == nil {
		return fmt.Errorf("stacking: transmit to unknown remote %d: %w", deid, ErrUnknownRemote)
	}
	rs.txMsgs = append(rs.txMsgs, txMsgRequest{deid: deid, body: body, bf: bf || deid == 0, wf: wf})
	return nil
}
