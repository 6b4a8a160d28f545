package chat

import "crewboard/api/internal/chatcrypto"

const (
	PlaceholderEncrypted       = "[Encrypted Message]"
	PlaceholderDecryptionError = "[Decryption Error]"
	PlaceholderAccessDenied    = "[Encrypted Message - Access Denied]"
)

// Encrypted reports whether bodies in a chat with these participants are
// stored encrypted. Only two-party chats are.
func Encrypted(participants []string) bool {
	return len(participants) == 2
}

// Seal prepares a body for storage. For two-party chats it returns the
// placeholder and an envelope keyed to the pair; otherwise the text is
// returned as is with no envelope.
func Seal(participants []string, sender, text string) (body, envelope string, err error) {
	if !Encrypted(participants) {
		return text, "", nil
	}
	key := chatcrypto.DeriveKey(sender, Counterpart(participants, sender))
	envelope, err = chatcrypto.Encrypt(text, key)
	if err != nil {
		return "", "", err
	}
	return PlaceholderEncrypted, envelope, nil
}

// Open returns the body a viewer sees. A viewer outside the participant set
// gets PlaceholderAccessDenied and nothing is decrypted. When decryption
// fails the body is PlaceholderDecryptionError and the error is returned
// for logging.
func Open(participants []string, sender, body, envelope, viewer string) (string, error) {
	if !Encrypted(participants) || envelope == "" {
		return body, nil
	}
	if !Contains(participants, viewer) {
		return PlaceholderAccessDenied, nil
	}
	key := chatcrypto.DeriveKey(sender, Counterpart(participants, sender))
	text, err := chatcrypto.Decrypt(envelope, key)
	if err != nil {
		return PlaceholderDecryptionError, err
	}
	return text, nil
}
