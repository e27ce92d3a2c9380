package protocol

import (
	"fmt"
	"reflect"
)

// Word is the schema type for bare-word fields. A struct field declared as
// Word consumes a word token where string would consume a byte string.
type Word string

// ParseMessage reads one parenthesised argument list into msg, which must be
// a pointer to a struct. Exported fields are consumed in declaration order:
//
//	string  byte-string
//	[]byte  byte-string (raw)
//	int     number
//	bool    word "true" / "false"
//	Word    word
//	*T      optional scalar: a nested list of zero or one items, or a bare
//	        value as some clients send in trailing position
//	[]T     list of T
//	struct  nested record
//
// Missing trailing optional fields (pointers and slices) are left zero.
// Extra trailing items are discarded. A missing required field or a kind
// mismatch is a malformed-data error.
func ParseMessage(p *Parser, msg any) error {
	v := reflect.ValueOf(msg)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("message target must be a struct pointer, got %T", msg)
	}
	if err := p.ReadListBegin(); err != nil {
		return err
	}
	return parseFields(p, v.Elem())
}

// parseFields consumes struct fields and the closing list-end token.
func parseFields(p *Parser, v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		tok, err := p.ReadToken()
		if err != nil {
			return err
		}
		if tok.Kind == TokenListEnd {
			// Remaining fields must be optional.
			for j := i; j < t.NumField(); j++ {
				k := t.Field(j).Type.Kind()
				if k != reflect.Pointer && k != reflect.Slice {
					return Errorf(CodeRaSvnMalformedData, "missing required field %s", t.Field(j).Name)
				}
			}
			return nil
		}
		if err := parseValue(p, tok, v.Field(i)); err != nil {
			return fmt.Errorf("field %s: %w", field.Name, err)
		}
	}
	return p.SkipItems()
}

// parseValue fills v from the item whose leading token is tok.
func parseValue(p *Parser, tok Token, v reflect.Value) error {
	switch v.Kind() {
	case reflect.String:
		if v.Type() == reflect.TypeOf(Word("")) {
			if tok.Kind != TokenWord {
				return unexpectedToken(TokenWord, tok)
			}
		} else if tok.Kind != TokenString {
			return unexpectedToken(TokenString, tok)
		}
		v.SetString(string(tok.Text))
		return nil
	case reflect.Int:
		if tok.Kind != TokenNumber {
			return unexpectedToken(TokenNumber, tok)
		}
		v.SetInt(int64(tok.Number))
		return nil
	case reflect.Bool:
		if tok.Kind != TokenWord {
			return unexpectedToken(TokenWord, tok)
		}
		switch string(tok.Text) {
		case "true":
			v.SetBool(true)
		case "false":
			v.SetBool(false)
		default:
			return Errorf(CodeRaSvnMalformedData, "expected boolean, got %q", tok.Text)
		}
		return nil
	case reflect.Pointer:
		// Optional scalars arrive either wrapped in a list of zero or one
		// items, or bare in trailing position.
		if tok.Kind != TokenListBegin {
			elem := reflect.New(v.Type().Elem())
			if err := parseValue(p, tok, elem.Elem()); err != nil {
				return err
			}
			v.Set(elem)
			return nil
		}
		inner, err := p.ReadToken()
		if err != nil {
			return err
		}
		if inner.Kind == TokenListEnd {
			v.SetZero()
			return nil
		}
		elem := reflect.New(v.Type().Elem())
		if err := parseValue(p, inner, elem.Elem()); err != nil {
			return err
		}
		v.Set(elem)
		return p.SkipItems()
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			if tok.Kind != TokenString {
				return unexpectedToken(TokenString, tok)
			}
			v.SetBytes(tok.Text)
			return nil
		}
		if tok.Kind != TokenListBegin {
			return unexpectedToken(TokenListBegin, tok)
		}
		out := reflect.MakeSlice(v.Type(), 0, 4)
		for {
			inner, err := p.ReadToken()
			if err != nil {
				return err
			}
			if inner.Kind == TokenListEnd {
				break
			}
			elem := reflect.New(v.Type().Elem())
			if err := parseValue(p, inner, elem.Elem()); err != nil {
				return err
			}
			out = reflect.Append(out, elem.Elem())
		}
		v.Set(out)
		return nil
	case reflect.Struct:
		if tok.Kind != TokenListBegin {
			return unexpectedToken(TokenListBegin, tok)
		}
		return parseFields(p, v)
	default:
		return fmt.Errorf("unsupported message field kind %s", v.Kind())
	}
}

// WriteMessage emits value as a parenthesised list, the dual of ParseMessage.
// Maps of string to string are emitted as property lists.
func WriteMessage(w *Writer, msg any) error {
	v := reflect.ValueOf(msg)
	if v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("message source must be a struct, got %T", msg)
	}
	writeFields(w, v)
	return w.Err()
}

func writeFields(w *Writer, v reflect.Value) {
	w.ListBegin()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if !t.Field(i).IsExported() {
			continue
		}
		writeValue(w, v.Field(i))
	}
	w.ListEnd()
}

func writeValue(w *Writer, v reflect.Value) {
	switch v.Kind() {
	case reflect.String:
		if v.Type() == reflect.TypeOf(Word("")) {
			w.Word(v.String())
		} else {
			w.String(v.String())
		}
	case reflect.Int:
		w.Number(int(v.Int()))
	case reflect.Bool:
		w.Bool(v.Bool())
	case reflect.Pointer:
		w.ListBegin()
		if !v.IsNil() {
			writeValue(w, v.Elem())
		}
		w.ListEnd()
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			w.Binary(v.Bytes())
			return
		}
		w.ListBegin()
		for i := 0; i < v.Len(); i++ {
			writeValue(w, v.Index(i))
		}
		w.ListEnd()
	case reflect.Map:
		props := make(map[string]string, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			props[iter.Key().String()] = iter.Value().String()
		}
		w.Map(props)
	case reflect.Struct:
		writeFields(w, v)
	}
}
