package razorpay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// sign returns the hex HMAC-SHA256 of payload keyed by secret.
func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// PaymentSignature is the checkout signature the gateway issues for an
// order/payment pair: hex(HMAC-SHA256(order_id + "|" + payment_id)).
func PaymentSignature(secret, orderID, paymentID string) string {
	return sign(secret, []byte(orderID+"|"+paymentID))
}

// WebhookSignature is the signature sent in X-Razorpay-Signature for a raw
// webhook body.
func WebhookSignature(secret string, body []byte) string {
	return sign(secret, body)
}

// equalSignature compares in constant time; razorpay-go's utils.VerifySignature
// uses a plain string comparison.
func equalSignature(expected, supplied string) bool {
	return hmac.Equal([]byte(expected), []byte(supplied))
}
