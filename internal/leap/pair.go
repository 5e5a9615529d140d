package leap

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net"
	"time"
)

const (
	// pairPort is the bridge's association listener.
	pairPort = "8083"

	// buttonWindow is how long the bridge accepts pairing after its
	// physical button is pressed. We wait slightly longer to cover
	// connection setup.
	buttonWindow = 30 * time.Second
)

// PairResult holds the PEM-encoded identity issued by the bridge.
type PairResult struct {
	Certificate   string
	PrivateKey    string
	CACertificate string
}

// pairing wire shapes. The association listener speaks a simpler
// request/response dialect than LEAP proper.

type pairMessage struct {
	Header pairHeader      `json:"Header"`
	Body   json.RawMessage `json:"Body,omitempty"`
}

type pairHeader struct {
	StatusCode  statusCode `json:"StatusCode"`
	ContentType string     `json:"ContentType"`
}

type pairStatusBody struct {
	Status struct {
		Permissions []string `json:"Permissions"`
	} `json:"Status"`
}

type pairSigningBody struct {
	SigningResult struct {
		Certificate     string `json:"Certificate"`
		RootCertificate string `json:"RootCertificate"`
	} `json:"SigningResult"`
}

type csrRequest struct {
	Header struct {
		RequestType string `json:"RequestType"`
		URL         string `json:"Url"`
	} `json:"Header"`
	Body struct {
		CommandType string        `json:"CommandType"`
		Parameters  csrParameters `json:"Parameters"`
	} `json:"Body"`
}

type csrParameters struct {
	CSR         string `json:"CSR"`
	DisplayName string `json:"DisplayName"`
	DeviceUID   string `json:"DeviceUID"`
	Role        string `json:"Role"`
}

// Pair performs the one-time association exchange with a bridge: it
// connects to the association port, waits for the physical button press
// (~30-second window), submits a certificate signing request, and
// returns the signed client identity plus the bridge's root CA.
//
// The TLS connection cannot be verified: the bridge's CA is exactly
// what pairing obtains, so the dial skips verification.
func Pair(ctx context.Context, address string, logger *slog.Logger) (*PairResult, error) {
	if logger == nil {
		logger = slog.Default()
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: "caseta-mcp"},
	}, key)
	if err != nil {
		return nil, fmt.Errorf("create CSR: %w", err)
	}
	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})

	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", net.JoinHostPort(address, pairPort))
	if err != nil {
		return nil, fmt.Errorf("dial bridge association port: %w", err)
	}
	defer raw.Close()

	conn := tls.Client(raw, &tls.Config{
		InsecureSkipVerify: true, // no trust anchor exists before pairing
		MinVersion:         tls.VersionTLS12,
	})
	if err := conn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("TLS handshake: %w", err)
	}

	deadline := time.Now().Add(buttonWindow + 15*time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	reader := bufio.NewReader(conn)

	logger.Info("waiting for the bridge button press", "window", buttonWindow)
	if err := awaitButtonPress(reader); err != nil {
		return nil, err
	}

	req := csrRequest{}
	req.Header.RequestType = "Execute"
	req.Header.URL = "/pair"
	req.Body.CommandType = "CSR"
	req.Body.Parameters = csrParameters{
		CSR:         string(csrPEM),
		DisplayName: "caseta-mcp",
		DeviceUID:   "000000000000",
		Role:        "Admin",
	}

	frame, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal CSR request: %w", err)
	}
	if _, err := conn.Write(append(frame, '\n')); err != nil {
		return nil, fmt.Errorf("send CSR: %w", err)
	}

	signing, err := awaitSigningResult(reader)
	if err != nil {
		return nil, err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	logger.Info("pairing complete")
	return &PairResult{
		Certificate:   signing.SigningResult.Certificate,
		PrivateKey:    string(keyPEM),
		CACertificate: signing.SigningResult.RootCertificate,
	}, nil
}

// awaitButtonPress reads messages until the bridge reports physical
// access, which it does once its button is pressed.
func awaitButtonPress(reader *bufio.Reader) error {
	for {
		msg, err := readPairMessage(reader)
		if err != nil {
			return fmt.Errorf("waiting for button press: %w", err)
		}

		var body pairStatusBody
		if err := json.Unmarshal(msg.Body, &body); err != nil {
			continue
		}
		for _, p := range body.Status.Permissions {
			if p == "PhysicalAccess" {
				return nil
			}
		}
	}
}

// awaitSigningResult reads messages until the bridge returns the signed
// certificate.
func awaitSigningResult(reader *bufio.Reader) (*pairSigningBody, error) {
	for {
		msg, err := readPairMessage(reader)
		if err != nil {
			return nil, fmt.Errorf("waiting for signed certificate: %w", err)
		}
		if msg.Header.StatusCode != "" && !msg.Header.StatusCode.ok() {
			return nil, fmt.Errorf("bridge rejected pairing: %s", msg.Header.StatusCode)
		}

		var body pairSigningBody
		if err := json.Unmarshal(msg.Body, &body); err != nil {
			continue
		}
		if body.SigningResult.Certificate != "" {
			return &body, nil
		}
	}
}

// readPairMessage reads one newline-delimited JSON message.
func readPairMessage(reader *bufio.Reader) (*pairMessage, error) {
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}

	var msg pairMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	return &msg, nil
}
