// Package protocol implements the svn:// wire encoding: a stream of
// self-describing items (words, numbers, length-prefixed byte strings)
// grouped by parentheses into nested lists.
//
// The encoding is line-oriented only in the loosest sense: any run of
// spaces or newlines separates tokens, and byte strings carry raw binary
// payloads. The grammar is:
//
//	item   = word | number | string | list
//	word   = ALPHA *(ALPHA / DIGIT / "-")
//	number = 1*DIGIT
//	string = 1*DIGIT ":" <raw bytes, exactly as counted>
//	list   = "(" *item ")"
//
// For the full description, see the protocol definition shipped with
// Subversion (subversion/libsvn_ra_svn/protocol).
package protocol

import "fmt"

// TokenKind discriminates the token variants produced by the Parser.
type TokenKind uint8

const (
	// TokenInvalid is the zero value and never produced by a successful read.
	TokenInvalid TokenKind = iota
	// TokenWord is a bare ASCII word such as "success" or "edit-pipeline".
	TokenWord
	// TokenNumber is a non-negative decimal integer.
	TokenNumber
	// TokenString is a length-prefixed byte string. Contents are opaque bytes.
	TokenString
	// TokenListBegin is an opening parenthesis.
	TokenListBegin
	// TokenListEnd is a closing parenthesis.
	TokenListEnd
)

// String returns the token kind name used in error messages.
func (k TokenKind) String() string {
	switch k {
	case TokenWord:
		return "word"
	case TokenNumber:
		return "number"
	case TokenString:
		return "string"
	case TokenListBegin:
		return "list-begin"
	case TokenListEnd:
		return "list-end"
	default:
		return fmt.Sprintf("protocol.TokenKind(%d)", uint8(k))
	}
}

// Token is a single protocol item as read off the wire. It is a tagged
// variant: Kind selects which payload field is meaningful.
type Token struct {
	Kind TokenKind
	// Number holds the value for TokenNumber tokens.
	Number int
	// Text holds the payload for TokenString tokens and the word for
	// TokenWord tokens. String contents are not interpreted as UTF-8.
	Text []byte
}

// IsWord reports whether the token is the given word.
func (t Token) IsWord(w string) bool {
	return t.Kind == TokenWord && string(t.Text) == w
}
