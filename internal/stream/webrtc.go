package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"gopkg.in/hraban/opus.v2"

	"github.com/satindergrewal/chordsync/internal/audio"
)

// FrameSink consumes decoded microphone PCM, 48kHz interleaved stereo.
type FrameSink interface {
	Write(frame []int16)
}

// peers tracks live peer connections so they can be counted and closed.
type peers struct {
	mu  sync.Mutex
	set map[*webrtc.PeerConnection]struct{}
}

func (p *peers) add(pc *webrtc.PeerConnection) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.set == nil {
		p.set = make(map[*webrtc.PeerConnection]struct{})
	}
	p.set[pc] = struct{}{}
	return len(p.set)
}

func (p *peers) remove(pc *webrtc.PeerConnection) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.set, pc)
	return len(p.set)
}

func (p *peers) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.set)
}

func (p *peers) closeAll() {
	p.mu.Lock()
	all := make([]*webrtc.PeerConnection, 0, len(p.set))
	for pc := range p.set {
		all = append(all, pc)
	}
	p.set = nil
	p.mu.Unlock()
	for _, pc := range all {
		pc.Close()
	}
}

// track registers pc and drops it once the connection ends.
func (p *peers) track(pc *webrtc.PeerConnection, log *slog.Logger, kind string) {
	log.Info("stream: webrtc peer connected", "kind", kind, "peers", p.add(pc))
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed ||
			s == webrtc.PeerConnectionStateDisconnected {
			remaining := p.remove(pc)
			pc.Close()
			log.Info("stream: webrtc peer disconnected", "kind", kind, "remaining", remaining)
		}
	})
}

// answer completes SDP negotiation and waits for ICE gathering.
func answer(pc *webrtc.PeerConnection, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	ans, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(ans); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	<-gatherComplete
	return pc.LocalDescription(), nil
}

// DecodeOffer reads a JSON SDP offer from an HTTP request.
func DecodeOffer(r *http.Request) (webrtc.SessionDescription, error) {
	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		return offer, fmt.Errorf("invalid SDP offer: %w", err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return offer, errors.New("invalid SDP offer: not an offer")
	}
	return offer, nil
}

// WebRTCStreamer negotiates low-latency Opus streaming of a track.
type WebRTCStreamer struct {
	log   *slog.Logger
	peers peers
}

// NewWebRTCStreamer creates a WebRTC streamer.
func NewWebRTCStreamer(log *slog.Logger) *WebRTCStreamer {
	if log == nil {
		log = slog.Default()
	}
	return &WebRTCStreamer{log: log}
}

// PeerCount returns the number of active WebRTC peers.
func (h *WebRTCStreamer) PeerCount() int { return h.peers.count() }

// Close hangs up every peer.
func (h *WebRTCStreamer) Close() { h.peers.closeAll() }

// Serve answers the SDP offer in r with a connection that plays pcm.
func (h *WebRTCStreamer) Serve(w http.ResponseWriter, r *http.Request, pcm *PCM) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	offer, err := DecodeOffer(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		http.Error(w, "create peer connection failed", http.StatusInternalServerError)
		return
	}

	audioTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio",
		"chordsync-backing",
	)
	if err != nil {
		pc.Close()
		http.Error(w, "create audio track failed", http.StatusInternalServerError)
		return
	}
	if _, err := pc.AddTrack(audioTrack); err != nil {
		pc.Close()
		http.Error(w, "add track failed", http.StatusInternalServerError)
		return
	}

	local, err := answer(pc, offer)
	if err != nil {
		pc.Close()
		h.log.Warn("stream: negotiate", "error", err)
		http.Error(w, "negotiation failed", http.StatusBadRequest)
		return
	}

	h.peers.track(pc, h.log, "listen")
	go h.streamToPeer(audioTrack, pcm)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(local)
}

func (h *WebRTCStreamer) streamToPeer(track *webrtc.TrackLocalStaticSample, pcm *PCM) {
	listener := pcm.Subscribe()
	defer pcm.Unsubscribe(listener)

	enc, err := opus.NewEncoder(audio.SampleRate, audio.Channels, opus.AppAudio)
	if err != nil {
		h.log.Error("stream: opus encoder", "error", err)
		return
	}
	enc.SetBitrate(128000)

	opusBuf := make([]byte, 4000)
	for {
		select {
		case <-listener.Done():
			return
		case frame, ok := <-listener.C:
			if !ok {
				return
			}
			n, err := enc.Encode(frame, opusBuf)
			if err != nil {
				h.log.Warn("stream: opus encode", "error", err)
				continue
			}
			if err := track.WriteSample(media.Sample{
				Data:     opusBuf[:n],
				Duration: audio.FrameDuration,
			}); err != nil {
				return
			}
		}
	}
}

// MicCapture accepts a learner's microphone over WebRTC and feeds decoded
// PCM into a FrameSink.
type MicCapture struct {
	log   *slog.Logger
	peers peers
}

// NewMicCapture creates a microphone capture endpoint.
func NewMicCapture(log *slog.Logger) *MicCapture {
	if log == nil {
		log = slog.Default()
	}
	return &MicCapture{log: log}
}

// PeerCount returns the number of connected microphones.
func (m *MicCapture) PeerCount() int { return m.peers.count() }

// Close hangs up every microphone.
func (m *MicCapture) Close() { m.peers.closeAll() }

// Accept answers offer with a receive-only audio connection whose decoded
// frames go to sink until the peer hangs up.
func (m *MicCapture) Accept(offer webrtc.SessionDescription, sink FrameSink) (*webrtc.SessionDescription, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add transceiver: %w", err)
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		m.log.Info("stream: mic track", "codec", track.Codec().MimeType)
		go m.capture(track, sink)
	})

	local, err := answer(pc, offer)
	if err != nil {
		pc.Close()
		return nil, err
	}
	m.peers.track(pc, m.log, "mic")
	return local, nil
}

func (m *MicCapture) capture(track *webrtc.TrackRemote, sink FrameSink) {
	dec, err := opus.NewDecoder(audio.SampleRate, audio.Channels)
	if err != nil {
		m.log.Error("stream: opus decoder", "error", err)
		return
	}
	// room for the longest opus packet (120ms)
	pcm := make([]int16, 6*audio.FrameSamples)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				m.log.Debug("stream: mic read", "error", err)
			}
			return
		}
		n, err := dec.Decode(pkt.Payload, pcm)
		if err != nil {
			m.log.Debug("stream: opus decode", "error", err)
			continue
		}
		frame := make([]int16, n*audio.Channels)
		copy(frame, pcm)
		sink.Write(frame)
	}
}
