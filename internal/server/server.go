// Package server implements the tunnel's single-threaded, cooperative
// readiness loop (spec §4.H): reader goroutines push raw datagrams onto
// buffered channels, and one consuming loop goroutine does all
// table-mutating work, so no locking is needed anywhere below it.
// The shape is the teacher's own dnstt-server main.go loop/handleChan
// idiom, generalized from one socket to the tunnel's four readiness
// sources (DNS v4, DNS v6, tun, forwarder replies). The raw-UDP
// fallback (spec §4.I) shares the DNS socket it arrived on rather than
// a dedicated one: original_source's own server never opens a separate
// raw listener either, distinguishing RAW_HDR traffic from DNS queries
// purely by its magic prefix on the same port.
package server

import (
	"bytes"
	"compress/zlib"
	"context"
	"io"
	"net"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/nogoegst/tundnsd/internal/config"
	"github.com/nogoegst/tundnsd/internal/dnscodec"
	"github.com/nogoegst/tundnsd/internal/forwarder"
	"github.com/nogoegst/tundnsd/internal/ipstack"
	"github.com/nogoegst/tundnsd/internal/rawudp"
	"github.com/nogoegst/tundnsd/internal/session"
	"github.com/nogoegst/tundnsd/internal/tunio"
)

const channelDepth = 64

type taggedDNS struct {
	packet []byte
	addr   netip.AddrPort
	conn   net.PacketConn
}

type taggedTun struct {
	packet []byte
}

type taggedFwdReply struct {
	packet []byte
}

// Server owns every socket and the shared user table the loop drives.
type Server struct {
	cfg   *config.Config
	log   *zap.Logger
	table *session.Table

	dnsV4 net.PacketConn
	dnsV6 net.PacketConn
	fwd   net.PacketConn

	tun *tunio.Device
	fwt *forwarder.Table

	dnsCh chan taggedDNS
	tunCh chan taggedTun
	fwdCh chan taggedFwdReply
}

// New builds a Server bound to the sockets and tun device described by
// cfg. dnsV4 must be non-nil; dnsV6 and the forwarder's outbound socket
// are only opened by main when the corresponding configuration is
// present.
func New(cfg *config.Config, log *zap.Logger, table *session.Table, tun *tunio.Device, dnsV4, dnsV6, fwdConn net.PacketConn) *Server {
	s := &Server{
		cfg:   cfg,
		log:   log,
		table: table,
		dnsV4: dnsV4,
		dnsV6: dnsV6,
		fwd:   fwdConn,
		tun:   tun,
		dnsCh: make(chan taggedDNS, channelDepth),
		tunCh: make(chan taggedTun, channelDepth),
		fwdCh: make(chan taggedFwdReply, channelDepth),
	}
	if cfg.BindPort != 0 {
		s.fwt = forwarder.NewTable(forwarder.DefaultTTL)
	}
	return s
}

// Run drives the readiness loop until ctx is cancelled or an idle
// timeout configured via MaxIdleTime elapses with no active user. A
// non-temporary read error on a socket or the tun device stops that
// source's reader goroutine; Run itself keeps going.
func (s *Server) Run(ctx context.Context) error {
	go s.readDNSLoop(s.dnsV4)
	if s.dnsV6 != nil {
		go s.readDNSLoop(s.dnsV6)
	}
	if s.tun != nil {
		go s.readTunLoop()
	}
	if s.fwd != nil {
		go s.readFwdLoop()
	}

	lastActive := time.Now()

	for {
		now := time.Now()
		wait, _, answers := session.MaxWait(s.table, &s.cfg.Session, now)
		for _, ans := range answers {
			s.sendDNS(ans.Data, ans.Addr)
		}
		if len(answers) > 0 {
			lastActive = now
		}

		if s.cfg.MaxIdleTime > 0 && now.Sub(lastActive) > s.cfg.MaxIdleTime {
			s.log.Info("stopping after idle timeout", zap.Duration("max_idle_time", s.cfg.MaxIdleTime))
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case tp := <-s.dnsCh:
			timer.Stop()
			if s.handleDNS(tp) {
				lastActive = time.Now()
			}
		case tp := <-s.tunCh:
			timer.Stop()
			s.handleTun(tp)
		case tp := <-s.fwdCh:
			timer.Stop()
			s.handleFwdReply(tp)
		case <-timer.C:
		}

		if reaped := s.table.ReapIdle(time.Now(), session.IdleBound); len(reaped) > 0 {
			s.log.Debug("reaped idle users", zap.Int("count", len(reaped)))
		}
	}
}

func (s *Server) readDNSLoop(conn net.PacketConn) {
	buf := make([]byte, 65536)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				continue
			}
			return
		}
		p := make([]byte, n)
		copy(p, buf[:n])
		ap, ok := addrPortOf(addr)
		if !ok {
			continue
		}
		select {
		case s.dnsCh <- taggedDNS{packet: p, addr: ap, conn: conn}:
		default:
		}
	}
}

func (s *Server) readTunLoop() {
	buf := make([]byte, s.cfg.Session.MTU+64)
	for {
		n, err := s.tun.ReadPacket(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		p := make([]byte, n)
		copy(p, buf[:n])
		select {
		case s.tunCh <- taggedTun{packet: p}:
		default:
		}
	}
}

func (s *Server) readFwdLoop() {
	buf := make([]byte, 65536)
	for {
		n, _, err := s.fwd.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				continue
			}
			return
		}
		p := make([]byte, n)
		copy(p, buf[:n])
		select {
		case s.fwdCh <- taggedFwdReply{packet: p}:
		default:
		}
	}
}

func addrPortOf(addr net.Addr) (netip.AddrPort, bool) {
	ua, ok := addr.(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}, false
	}
	ip, ok := netip.AddrFromSlice(ua.IP)
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(ua.Port)), true
}

// handleDNS processes one incoming datagram on a DNS socket, returning
// whether it represented genuine tunnel activity (for idle-timeout
// purposes). A datagram carrying the raw-UDP fallback's magic prefix is
// routed to rawudp.Dispatch instead of being parsed as DNS.
func (s *Server) handleDNS(tp taggedDNS) bool {
	if bytes.HasPrefix(tp.packet, rawudp.Magic[:]) {
		return s.handleRaw(tp)
	}

	q, err := dnscodec.ParseQuery(tp.packet)
	if err != nil {
		return false
	}

	res, err := session.Dispatch(s.table, &s.cfg.Session, q, tp.addr, time.Now())
	if err != nil {
		if err == session.ErrBareTopdomain {
			s.answerBareTopdomain(q, tp)
			return false
		}
		s.log.Debug("dispatch error", zap.Error(err))
		return false
	}
	if res == nil {
		// Only names outside the topdomain are forwarded; a malformed
		// tunnel query is dropped.
		if _, inTunnel := q.Name.TrimSuffix(s.cfg.Session.Topdomain); s.fwt != nil && !inTunnel {
			s.forwardQuery(tp)
		}
		return false
	}
	if res.Answer != nil {
		s.sendTo(res.Answer, tp)
	}
	if res.Packet != nil {
		s.deliverUpstreamPacket(res.Packet, res.PacketCompressed)
	}
	return true
}

func (s *Server) answerBareTopdomain(q dnscodec.Query, tp taggedDNS) {
	cfg := &s.cfg.Session
	var (
		answer []byte
		err    error
	)
	switch {
	case q.Type == dnscodec.TypeNS && cfg.NSIP != nil:
		answer, err = dnscodec.SelfNSRecord(q.ID, q.Name, cfg.Topdomain)
	case q.Type == dnscodec.TypeA && cfg.NSIP != nil:
		answer, err = dnscodec.SelfARecord(q.ID, q.Name, cfg.NSIP)
	default:
		answer, err = dnscodec.EncodeEmptyAnswer(q.ID, q.Name, q.Type)
	}
	if err != nil {
		s.log.Debug("failed to answer bare topdomain query", zap.Error(err))
		return
	}
	s.sendTo(answer, tp)
}

func (s *Server) forwardQuery(tp taggedDNS) {
	id, ok := forwarder.MessageID(tp.packet)
	if !ok {
		return
	}
	s.fwt.Stash(id, tp.addr, len(tp.packet), time.Now())
	resolver := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: s.cfg.BindPort}
	if _, err := s.fwd.WriteTo(tp.packet, resolver); err != nil {
		s.log.Debug("forward query failed", zap.Error(err))
	}
}

func (s *Server) handleFwdReply(tp taggedFwdReply) {
	id, ok := forwarder.MessageID(tp.packet)
	if !ok {
		return
	}
	addr, _, ok := s.fwt.Resolve(id, time.Now())
	if !ok {
		return
	}
	s.sendDNS(tp.packet, addr)
}

func (s *Server) handleRaw(tp taggedDNS) bool {
	res, err := rawudp.Dispatch(s.table, &s.cfg.Session, tp.packet, tp.addr, time.Now())
	if err != nil || res == nil {
		return false
	}
	if res.Answer != nil {
		if _, err := tp.conn.WriteTo(res.Answer, net.UDPAddrFromAddrPort(tp.addr)); err != nil {
			s.log.Debug("raw-udp write failed", zap.Error(err))
		}
	}
	if res.Packet != nil {
		s.deliverUpstreamPacket(res.Packet, res.PacketCompressed)
	}
	return true
}

// deliverUpstreamPacket decompresses a completed upstream packet (data
// arrives compressed per spec, whether reassembled from DNS fragments
// or carried whole over the raw-UDP fallback) and writes it to tun.
func (s *Server) deliverUpstreamPacket(packet []byte, compressed bool) {
	if compressed {
		var err error
		packet, err = zlibDecompress(packet)
		if err != nil {
			s.log.Debug("zlib decompress failed", zap.Error(err))
			return
		}
	}
	if s.tun == nil {
		return
	}
	if err := s.tun.WritePacket(packet); err != nil {
		s.log.Debug("tun write failed", zap.Error(err))
	}
}

// handleTun routes one packet read from tun to the user whose tun_ip it
// targets, queuing it on that user's outgoing window buffer for
// delivery on their next poll.
func (s *Server) handleTun(tp taggedTun) {
	dst, err := ipstack.DestinationIPv4(tp.packet)
	if err != nil {
		return
	}
	u, ok := s.table.LookupByTunIP(dst)
	if !ok {
		return
	}
	compressed := zlibCompress(tp.packet)
	if _, err := u.Outgoing.AddOutgoingData(compressed, true, u.MaxFragLen()); err != nil {
		s.log.Debug("queue outgoing packet failed", zap.Error(err))
	}
}

func (s *Server) sendTo(answer []byte, tp taggedDNS) {
	s.sendDNS(answer, tp.addr)
}

func (s *Server) sendDNS(answer []byte, addr netip.AddrPort) {
	conn := s.dnsV4
	if addr.Addr().Is6() && !addr.Addr().Is4In6() && s.dnsV6 != nil {
		conn = s.dnsV6
	}
	if conn == nil {
		return
	}
	if _, err := conn.WriteTo(answer, net.UDPAddrFromAddrPort(addr)); err != nil {
		s.log.Debug("dns write failed", zap.Error(err))
	}
}

func zlibDecompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func zlibCompress(data []byte) []byte {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	w.Write(data)
	w.Close()
	return buf.Bytes()
}
