package rtc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dkeye/roomsignal/internal/app/sfu"
	"github.com/dkeye/roomsignal/internal/core"
	"github.com/dkeye/roomsignal/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/logging"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Config struct {
	ICEServers []string
	UDPPortMin uint16
	UDPPortMax uint16
	Logger     logging.LoggerFactory
}

func DefaultICEServers() []string {
	return []string{"stun:stun.l.google.com:19302"}
}

// defaultCodecs is what rooms advertise in their capabilities.
var defaultCodecs = []domain.RTPCodec{
	{MimeType: webrtc.MimeTypeOpus, PayloadType: 111, ClockRate: 48000, Channels: 2, SDPFmtpLine: "minptime=10;useinbandfec=1"},
	{MimeType: webrtc.MimeTypeVP8, PayloadType: 96, ClockRate: 90000},
	{MimeType: webrtc.MimeTypeH264, PayloadType: 102, ClockRate: 90000, SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f"},
}

type transport struct {
	id       domain.TransportID
	user     domain.UserID
	dir      domain.TransportDirection
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
}

func (t *transport) close() {
	if err := t.dtls.Stop(); err != nil {
		log.Debug().Err(err).Str("module", "rtc").Str("transport", string(t.id)).Msg("dtls stop")
	}
	if err := t.ice.Stop(); err != nil {
		log.Debug().Err(err).Str("module", "rtc").Str("transport", string(t.id)).Msg("ice stop")
	}
	if err := t.gatherer.Close(); err != nil {
		log.Debug().Err(err).Str("module", "rtc").Str("transport", string(t.id)).Msg("gatherer close")
	}
}

type producer struct {
	id        domain.ProducerID
	transport domain.TransportID
	kind      domain.MediaKind
	codec     domain.RTPCodec
	receiver  *webrtc.RTPReceiver
}

type consumer struct {
	id        domain.ConsumerID
	producer  domain.ProducerID
	transport domain.TransportID
	sender    *webrtc.RTPSender
}

// Engine is a core.MediaEngine on top of pion's ORTC API: every user
// transport is an ICE gatherer, ICE transport and DTLS transport, producers
// are RTP receivers and consumers are RTP senders fed by an sfu relay.
type Engine struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	caps       domain.RTPCapabilities
	relays     *sfu.RelayManager

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	transports map[domain.TransportID]*transport
	producers  map[domain.ProducerID]*producer
	consumers  map[domain.ConsumerID]*consumer
}

var _ core.MediaEngine = (*Engine)(nil)

func NewEngine(cfg Config) (*Engine, error) {
	m := &webrtc.MediaEngine{}
	for _, c := range defaultCodecs {
		if err := m.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: codecCapability(c),
			PayloadType:        webrtc.PayloadType(c.PayloadType),
		}, codecType(kindOfMime(c.MimeType))); err != nil {
			return nil, fmt.Errorf("register codec %s: %w", c.MimeType, err)
		}
	}

	var s webrtc.SettingEngine
	s.LoggerFactory = cfg.Logger
	if s.LoggerFactory == nil {
		s.LoggerFactory = NewLoggerFactory(log.Logger)
	}
	if cfg.UDPPortMin != 0 || cfg.UDPPortMax != 0 {
		if err := s.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return nil, fmt.Errorf("udp port range: %w", err)
		}
	}

	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(s)),
		iceServers: servers,
		caps:       domain.RTPCapabilities{Codecs: defaultCodecs},
		relays:     sfu.NewRelayManager(),
		ctx:        ctx,
		cancel:     cancel,
		transports: make(map[domain.TransportID]*transport),
		producers:  make(map[domain.ProducerID]*producer),
		consumers:  make(map[domain.ConsumerID]*consumer),
	}, nil
}

func (e *Engine) Capabilities() domain.RTPCapabilities {
	return e.caps
}

func (e *Engine) CreateTransport(ctx context.Context, user domain.UserID, dir domain.TransportDirection) (domain.TransportOptions, error) {
	gatherer, err := e.api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: e.iceServers})
	if err != nil {
		return domain.TransportOptions{}, fmt.Errorf("ice gatherer: %w", err)
	}
	ice := e.api.NewICETransport(gatherer)
	dtls, err := e.api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return domain.TransportOptions{}, fmt.Errorf("dtls transport: %w", err)
	}
	t := &transport{
		id:       domain.TransportID(uuid.NewString()),
		user:     user,
		dir:      dir,
		gatherer: gatherer,
		ice:      ice,
		dtls:     dtls,
	}

	gathered := make(chan struct{})
	var once sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(gathered) })
		}
	})
	if err := gatherer.Gather(); err != nil {
		t.close()
		return domain.TransportOptions{}, fmt.Errorf("gather: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		t.close()
		return domain.TransportOptions{}, ctx.Err()
	}

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		t.close()
		return domain.TransportOptions{}, fmt.Errorf("ice parameters: %w", err)
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		t.close()
		return domain.TransportOptions{}, fmt.Errorf("ice candidates: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		t.close()
		return domain.TransportOptions{}, fmt.Errorf("dtls parameters: %w", err)
	}

	e.mu.Lock()
	e.transports[t.id] = t
	e.mu.Unlock()

	log.Info().Str("module", "rtc").Str("transport", string(t.id)).Str("user", string(user)).Str("dir", string(dir)).Int("candidates", len(candidates)).Msg("transport created")
	return domain.TransportOptions{
		ID:             t.id,
		ICEParameters:  iceParams,
		ICECandidates:  candidates,
		DTLSParameters: dtlsParams,
	}, nil
}

func (e *Engine) transport(id domain.TransportID) (*transport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.transports[id]
	if !ok {
		return nil, domain.ErrUnknownTransport
	}
	return t, nil
}

func (e *Engine) ConnectTransport(ctx context.Context, data domain.ConnectTransportData) error {
	t, err := e.transport(data.ID)
	if err != nil {
		return err
	}
	if err := t.ice.SetRemoteCandidates(data.ICECandidates); err != nil {
		return fmt.Errorf("remote candidates: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		role := webrtc.ICERoleControlled
		if err := t.ice.Start(nil, data.ICEParameters, &role); err != nil {
			done <- fmt.Errorf("ice start: %w", err)
			return
		}
		if err := t.dtls.Start(data.DTLSParameters); err != nil {
			done <- fmt.Errorf("dtls start: %w", err)
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		e.CloseTransport(t.id)
		return ctx.Err()
	}
	log.Info().Str("module", "rtc").Str("transport", string(t.id)).Str("user", string(t.user)).Msg("transport connected")
	return nil
}

func (e *Engine) Produce(ctx context.Context, tid domain.TransportID, kind domain.MediaKind, params domain.RTPParameters) (domain.ProducerID, error) {
	t, err := e.transport(tid)
	if err != nil {
		return "", err
	}
	if len(params.Codecs) == 0 || len(params.Encodings) == 0 {
		return "", fmt.Errorf("%w: empty rtp parameters", domain.ErrBadRequest)
	}
	codec, ok := e.codecFor(params.Codecs[0].MimeType)
	if !ok || kindOfMime(codec.MimeType) != kind {
		return "", fmt.Errorf("%w: unsupported %s codec %s", domain.ErrMedia, kind, params.Codecs[0].MimeType)
	}

	receiver, err := e.api.NewRTPReceiver(codecType(kind), t.dtls)
	if err != nil {
		return "", fmt.Errorf("rtp receiver: %w", err)
	}
	if err := receiver.Receive(receiveParameters(params, codec)); err != nil {
		_ = receiver.Stop()
		return "", fmt.Errorf("receive: %w", err)
	}

	p := &producer{
		id:        domain.ProducerID(uuid.NewString()),
		transport: tid,
		kind:      kind,
		codec:     codec,
		receiver:  receiver,
	}
	track := receiver.Track()
	e.relays.StartRelay(e.ctx, p.id, func() (*rtp.Packet, error) {
		pkt, _, err := track.ReadRTP()
		return pkt, err
	})

	e.mu.Lock()
	e.producers[p.id] = p
	e.mu.Unlock()

	log.Info().Str("module", "rtc").Str("producer", string(p.id)).Str("transport", string(tid)).Str("codec", codec.MimeType).Msg("producer created")
	return p.id, nil
}

func (e *Engine) Consume(ctx context.Context, tid domain.TransportID, pid domain.ProducerID, caps domain.RTPCapabilities, paused bool) (domain.ConsumerParameters, error) {
	t, err := e.transport(tid)
	if err != nil {
		return domain.ConsumerParameters{}, err
	}
	e.mu.Lock()
	p, ok := e.producers[pid]
	e.mu.Unlock()
	if !ok {
		return domain.ConsumerParameters{}, domain.ErrNoSuchProducer
	}
	if len(caps.Codecs) > 0 && !caps.Supports(p.codec.MimeType) {
		return domain.ConsumerParameters{}, fmt.Errorf("%w: client cannot receive %s", domain.ErrMedia, p.codec.MimeType)
	}

	c := &consumer{
		id:        domain.ConsumerID(uuid.NewString()),
		producer:  pid,
		transport: tid,
	}
	track, err := webrtc.NewTrackLocalStaticRTP(codecCapability(p.codec), string(c.id), string(pid))
	if err != nil {
		return domain.ConsumerParameters{}, fmt.Errorf("local track: %w", err)
	}
	c.sender, err = e.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return domain.ConsumerParameters{}, fmt.Errorf("rtp sender: %w", err)
	}
	sendParams := c.sender.GetParameters()
	if err := c.sender.Send(sendParams); err != nil {
		_ = c.sender.Stop()
		return domain.ConsumerParameters{}, fmt.Errorf("send: %w", err)
	}
	if !e.relays.AddSubscriber(pid, c.id, track, paused) {
		_ = c.sender.Stop()
		return domain.ConsumerParameters{}, domain.ErrNoSuchProducer
	}
	go drainRTCP(c.sender)

	e.mu.Lock()
	e.consumers[c.id] = c
	e.mu.Unlock()

	log.Info().Str("module", "rtc").Str("consumer", string(c.id)).Str("producer", string(pid)).Bool("paused", paused).Msg("consumer created")
	return domain.ConsumerParameters{
		ID:            c.id,
		Kind:          p.kind,
		RTPParameters: sendParameters(p.codec, sendParams),
	}, nil
}

func (e *Engine) SetPause(_ context.Context, id domain.ConsumerID, paused bool) error {
	if !e.relays.SetPaused(id, paused) {
		return domain.ErrUnknownConsumer
	}
	return nil
}

func (e *Engine) CloseConsumer(id domain.ConsumerID) {
	e.mu.Lock()
	c, ok := e.consumers[id]
	delete(e.consumers, id)
	e.mu.Unlock()
	e.relays.RemoveSubscriber(id)
	if ok {
		if err := c.sender.Stop(); err != nil {
			log.Debug().Err(err).Str("module", "rtc").Str("consumer", string(id)).Msg("sender stop")
		}
	}
}

func (e *Engine) CloseProducer(id domain.ProducerID) {
	e.mu.Lock()
	p, ok := e.producers[id]
	delete(e.producers, id)
	e.mu.Unlock()
	e.relays.StopRelay(id)
	if ok {
		if err := p.receiver.Stop(); err != nil {
			log.Debug().Err(err).Str("module", "rtc").Str("producer", string(id)).Msg("receiver stop")
		}
	}
}

func (e *Engine) CloseTransport(id domain.TransportID) {
	e.mu.Lock()
	t, ok := e.transports[id]
	delete(e.transports, id)
	e.mu.Unlock()
	if ok {
		t.close()
		log.Info().Str("module", "rtc").Str("transport", string(id)).Msg("transport closed")
	}
}

// Close stops every relay and transport the engine still holds.
func (e *Engine) Close() {
	e.cancel()
	e.mu.Lock()
	pids := make([]domain.ProducerID, 0, len(e.producers))
	for id := range e.producers {
		pids = append(pids, id)
	}
	cids := make([]domain.ConsumerID, 0, len(e.consumers))
	for id := range e.consumers {
		cids = append(cids, id)
	}
	tids := make([]domain.TransportID, 0, len(e.transports))
	for id := range e.transports {
		tids = append(tids, id)
	}
	e.mu.Unlock()

	for _, id := range cids {
		e.CloseConsumer(id)
	}
	for _, id := range pids {
		e.CloseProducer(id)
	}
	for _, id := range tids {
		e.CloseTransport(id)
	}
}

func (e *Engine) codecFor(mimeType string) (domain.RTPCodec, bool) {
	for _, c := range e.caps.Codecs {
		if strings.EqualFold(c.MimeType, mimeType) {
			return c, true
		}
	}
	return domain.RTPCodec{}, false
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Debug().Err(err).Str("module", "rtc").Msg("rtcp reader stopped")
			}
			return
		}
	}
}

func kindOfMime(mimeType string) domain.MediaKind {
	if strings.HasPrefix(strings.ToLower(mimeType), "audio/") {
		return domain.KindAudio
	}
	return domain.KindVideo
}

func codecType(kind domain.MediaKind) webrtc.RTPCodecType {
	if kind == domain.KindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

func codecCapability(c domain.RTPCodec) webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:    c.MimeType,
		ClockRate:   c.ClockRate,
		Channels:    c.Channels,
		SDPFmtpLine: c.SDPFmtpLine,
	}
}

// receiveParameters maps a client's producer parameters onto the engine's
// payload type for the codec.
func receiveParameters(params domain.RTPParameters, codec domain.RTPCodec) webrtc.RTPReceiveParameters {
	out := webrtc.RTPReceiveParameters{
		Encodings: make([]webrtc.RTPDecodingParameters, 0, len(params.Encodings)),
	}
	for _, enc := range params.Encodings {
		out.Encodings = append(out.Encodings, webrtc.RTPDecodingParameters{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(enc.SSRC),
				PayloadType: webrtc.PayloadType(codec.PayloadType),
			},
		})
	}
	return out
}

func sendParameters(codec domain.RTPCodec, sp webrtc.RTPSendParameters) domain.RTPParameters {
	out := domain.RTPParameters{Codecs: []domain.RTPCodec{codec}}
	for _, enc := range sp.Encodings {
		out.Encodings = append(out.Encodings, domain.RTPEncoding{SSRC: uint32(enc.SSRC)})
	}
	return out
}
