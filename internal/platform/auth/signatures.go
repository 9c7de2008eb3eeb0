package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultNonceHeader     = "X-Signature-Nonce"

	mercadoPagoSignatureHeader = "X-Signature"
	mercadoPagoRequestIDHeader = "X-Request-Id"
	stripeSignatureHeader      = "Stripe-Signature"
)

// SignatureScheme names how a provider signs its notifications.
type SignatureScheme string

const (
	SchemeMercadoPago SignatureScheme = "mercadopago"
	SchemeStripe      SignatureScheme = "stripe"
	// SchemeCanonical signs method, path, timestamp, nonce and body hash. The sandbox
	// gateway and internal senders use it.
	SchemeCanonical SignatureScheme = "canonical"
)

func SchemeForProvider(provider string) SignatureScheme {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "mercadopago":
		return SchemeMercadoPago
	case "stripe":
		return SchemeStripe
	}
	return SchemeCanonical
}

// signedDelivery is what a scheme extracts from a request before the secret is applied.
type signedDelivery struct {
	timestamp  time.Time
	nonce      string
	message    []byte
	signatures [][]byte
}

func unauthorized(code, message string) *rejection {
	return reject(http.StatusUnauthorized, code, code, message)
}

// mercadoPagoDelivery reads "x-signature: ts=<epoch>,v1=<hex>". The signed manifest is
// "id:<data.id>;request-id:<x-request-id>;ts:<ts>;" with absent parts left out.
func mercadoPagoDelivery(r *http.Request) (signedDelivery, *rejection) {
	header := strings.TrimSpace(r.Header.Get(mercadoPagoSignatureHeader))
	if header == "" {
		return signedDelivery{}, unauthorized("signature_missing", "missing x-signature header")
	}
	parts := parseSignatureParts(header)
	ts := firstPart(parts, "ts")
	if ts == "" {
		return signedDelivery{}, unauthorized("timestamp_missing", "x-signature has no ts")
	}
	timestamp, err := parseEpoch(ts)
	if err != nil {
		return signedDelivery{}, unauthorized("timestamp_invalid", "x-signature ts is not an epoch")
	}
	signatures, err := decodeHexSignatures(parts["v1"])
	if err != nil {
		return signedDelivery{}, unauthorized("signature_invalid", "x-signature v1 is not hex")
	}

	query := r.URL.Query()
	dataID := strings.ToLower(strings.TrimSpace(query.Get("data.id")))
	if dataID == "" {
		dataID = strings.ToLower(strings.TrimSpace(query.Get("id")))
	}
	requestID := strings.TrimSpace(r.Header.Get(mercadoPagoRequestIDHeader))

	var manifest strings.Builder
	if dataID != "" {
		manifest.WriteString("id:" + dataID + ";")
	}
	if requestID != "" {
		manifest.WriteString("request-id:" + requestID + ";")
	}
	manifest.WriteString("ts:" + ts + ";")

	nonce := requestID
	if nonce == "" {
		nonce = ts + ":" + hex.EncodeToString(signatures[0])
	}
	return signedDelivery{
		timestamp:  timestamp,
		nonce:      nonce,
		message:    []byte(manifest.String()),
		signatures: signatures,
	}, nil
}

// stripeDelivery reads "Stripe-Signature: t=<epoch>,v1=<hex>[,v1=<hex>...]" over "<t>.<body>".
// Several v1 values appear while a secret is being rolled.
func stripeDelivery(r *http.Request, body []byte) (signedDelivery, *rejection) {
	header := strings.TrimSpace(r.Header.Get(stripeSignatureHeader))
	if header == "" {
		return signedDelivery{}, unauthorized("signature_missing", "missing Stripe-Signature header")
	}
	parts := parseSignatureParts(header)
	ts := firstPart(parts, "t")
	if ts == "" {
		return signedDelivery{}, unauthorized("timestamp_missing", "Stripe-Signature has no t")
	}
	timestamp, err := parseEpoch(ts)
	if err != nil {
		return signedDelivery{}, unauthorized("timestamp_invalid", "Stripe-Signature t is not an epoch")
	}
	signatures, err := decodeHexSignatures(parts["v1"])
	if err != nil {
		return signedDelivery{}, unauthorized("signature_invalid", "Stripe-Signature v1 is not hex")
	}
	message := make([]byte, 0, len(ts)+1+len(body))
	message = append(append(append(message, ts...), '.'), body...)
	return signedDelivery{
		timestamp:  timestamp,
		nonce:      ts + ":" + hex.EncodeToString(signatures[0]),
		message:    message,
		signatures: signatures,
	}, nil
}

type canonicalHeaders struct {
	signature string
	timestamp string
	nonce     string
}

var defaultCanonicalHeaders = canonicalHeaders{
	signature: defaultSignatureHeader,
	timestamp: defaultTimestampHeader,
	nonce:     defaultNonceHeader,
}

func (h canonicalHeaders) override(signature, timestamp, nonce string) canonicalHeaders {
	if s := strings.TrimSpace(signature); s != "" {
		h.signature = s
	}
	if s := strings.TrimSpace(timestamp); s != "" {
		h.timestamp = s
	}
	if s := strings.TrimSpace(nonce); s != "" {
		h.nonce = s
	}
	return h
}

func (h canonicalHeaders) delivery(r *http.Request, body []byte) (signedDelivery, *rejection) {
	rawSig := strings.TrimSpace(r.Header.Get(h.signature))
	if rawSig == "" {
		return signedDelivery{}, unauthorized("signature_missing", "missing signature header")
	}
	rawTS := strings.TrimSpace(r.Header.Get(h.timestamp))
	if rawTS == "" {
		return signedDelivery{}, unauthorized("timestamp_missing", "missing signature timestamp")
	}
	timestamp, err := parseSignatureTimestamp(rawTS)
	if err != nil {
		return signedDelivery{}, unauthorized("timestamp_invalid", "signature timestamp is neither RFC3339 nor epoch")
	}
	nonce := strings.TrimSpace(r.Header.Get(h.nonce))
	if nonce == "" {
		return signedDelivery{}, unauthorized("nonce_missing", "missing signature nonce")
	}
	signature, err := decodeSignature(rawSig)
	if err != nil {
		return signedDelivery{}, unauthorized("signature_invalid", "signature is neither hex nor base64")
	}
	return signedDelivery{
		timestamp:  timestamp,
		nonce:      nonce,
		message:    buildCanonicalString(r, body, rawTS, nonce),
		signatures: [][]byte{signature},
	}, nil
}

// buildCanonicalString is METHOD\npath\ntimestamp\nnonce\nhex(sha256(body)).
func buildCanonicalString(r *http.Request, body []byte, timestamp, nonce string) []byte {
	digest := sha256.Sum256(body)
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	return []byte(strings.Join([]string{
		strings.ToUpper(r.Method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(digest[:]),
	}, "\n"))
}

func computeHMAC(secret, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return mac.Sum(nil)
}

// parseSignatureParts splits "k=v,k=v" keeping repeated keys in order.
func parseSignatureParts(header string) map[string][]string {
	parts := make(map[string][]string)
	for _, field := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(field), "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if value = strings.TrimSpace(value); key != "" && value != "" {
			parts[key] = append(parts[key], value)
		}
	}
	return parts
}

func firstPart(parts map[string][]string, key string) string {
	if values := parts[key]; len(values) > 0 {
		return values[0]
	}
	return ""
}

func decodeHexSignatures(values []string) ([][]byte, error) {
	if len(values) == 0 {
		return nil, errors.New("no signature")
	}
	out := make([][]byte, 0, len(values))
	for _, value := range values {
		decoded, err := hex.DecodeString(value)
		if err != nil {
			return nil, err
		}
		out = append(out, decoded)
	}
	return out, nil
}

func decodeSignature(raw string) ([]byte, error) {
	if decoded, err := hex.DecodeString(raw); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		return decoded, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "="))
}

func parseSignatureTimestamp(raw string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts, nil
	}
	return parseEpoch(raw)
}

// parseEpoch accepts seconds or, above 1e12, milliseconds.
func parseEpoch(raw string) (time.Time, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if n > 1e12 {
		return time.UnixMilli(n).UTC(), nil
	}
	return time.Unix(n, 0).UTC(), nil
}
