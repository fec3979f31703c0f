package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/driftsync/driftsync/internal/core/observability/log"
)

// quicALPN is the protocol identifier negotiated on QUIC connections.
const quicALPN = "driftsync-v1"

// maxQUICFrame bounds a single framed message.
const maxQUICFrame = maxPushBody

// serveQUIC accepts QUIC connections until ctx is cancelled. Each stream
// carries one length-prefixed JSON request and gets one framed response,
// mirroring the websocket message protocol.
func (s *Server) serveQUIC(ctx context.Context, addr string) error {
	tlsConf, err := generateInMemoryTLSConfig()
	if err != nil {
		return err
	}

	listener, err := quic.ListenAddr(addr, tlsConf, &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 15 * time.Second,
	})
	if err != nil {
		return errors.Join(ErrListenerFailed, err)
	}
	defer listener.Close()

	s.logger.Info("quic listener started", log.String("addr", addr))

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.serveQUICConn(ctx, conn)
	}
}

func (s *Server) serveQUICConn(ctx context.Context, conn *quic.Conn) {
	defer func() {
		_ = conn.CloseWithError(0, "closed")
	}()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go s.serveQUICStream(stream)
	}
}

func (s *Server) serveQUICStream(stream *quic.Stream) {
	defer stream.Close()

	data, err := readFrame(stream)
	if err != nil {
		s.logger.Debug("quic frame read", log.Error(err))
		return
	}

	msg, err := decodeClientMessage(data)
	if err != nil {
		_ = writeFrame(stream, errorMessage(err.Error(), ""))
		return
	}

	switch msg.Type {
	case MsgPing:
		_ = writeFrame(stream, ServerMessage{Type: MsgPong, RequestID: msg.RequestID})

	case MsgPull:
		resp, err := s.pull(msg.Since, msg.Limit)
		if err != nil {
			_ = writeFrame(stream, errorMessage("pull failed", msg.RequestID))
			return
		}
		_ = writeFrame(stream, ServerMessage{
			Type:       MsgPullResponse,
			Operations: resp.Operations,
			SyncToken:  resp.SyncToken,
			HasMore:    resp.HasMore,
			RequestID:  msg.RequestID,
		})

	case MsgPush:
		resp, fanout, err := s.push(PushRequest{NodeID: msg.NodeID, Operations: msg.Operations})
		if err != nil {
			_ = writeFrame(stream, errorMessage("push failed", msg.RequestID))
			return
		}
		_ = writeFrame(stream, ServerMessage{
			Type:        MsgPushResponse,
			Accepted:    resp.Accepted,
			Rejected:    resp.Rejected,
			ServerClock: resp.ServerClock,
			RequestID:   msg.RequestID,
		})
		if len(fanout) > 0 {
			s.broadcastOps(fanout, nil)
		}

	default:
		_ = writeFrame(stream, errorMessage("unknown message type", msg.RequestID))
	}
}

// readFrame reads one length-prefixed message from the stream.
func readFrame(r io.Reader) ([]byte, error) {
	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, err
	}
	if size > maxQUICFrame {
		return nil, ErrInvalidMessage
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// writeFrame writes one length-prefixed message to the stream.
func writeFrame(w io.Writer, msg ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err = binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// generateInMemoryTLSConfig creates a self-signed TLS configuration. A
// real deployment loads its certificate from disk instead.
func generateInMemoryTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"driftsync"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	privBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{quicALPN},
	}, nil
}
