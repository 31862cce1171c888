// Package pagecrypt decrypts the per-page records found in an asset pack.
//
// A record is laid out as follows:
//
//	+----------------------+--------+---------------------+----------------+
//	| header (256 bytes)   | IV (16)| AES-CBC ciphertext  | plaintext tail |
//	+----------------------+--------+---------------------+----------------+
//
// The header is a msgpack map padded with zero bytes. Its "start" field is the
// offset, from the beginning of the record, where the ciphertext ends; its
// "md5" field identifies the page in the book's resource listing.
package pagecrypt

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/abustany/pdfgrab/pkg/platform"
)

const (
	HeaderSize = 256
	IVSize     = aes.BlockSize
)

type Header struct {
	Start int    `msgpack:"start"`
	MD5   string `msgpack:"md5"`
}

// ReadHeader consumes exactly HeaderSize bytes from r.
func ReadHeader(r io.Reader) (Header, error) {
	var h Header

	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return h, fmt.Errorf("error reading header: %w: %w", platform.ErrDecryption, err)
	}

	if err := msgpack.Unmarshal(bytes.TrimRight(buf, "\x00"), &h); err != nil {
		return h, fmt.Errorf("error decoding header: %w: %w", platform.ErrDecryption, err)
	}

	return h, nil
}

// Decrypt reads one page record from r and returns the page content along
// with the content hash declared in its header.
func Decrypt(r io.Reader, key []byte) ([]byte, string, error) {
	header, err := ReadHeader(r)
	if err != nil {
		return nil, "", err
	}

	cipherLen := header.Start - HeaderSize - IVSize
	if cipherLen <= 0 || cipherLen%aes.BlockSize != 0 {
		return nil, "", fmt.Errorf("%w: invalid ciphertext length %d (start is %d)", platform.ErrDecryption, cipherLen, header.Start)
	}

	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(r, iv); err != nil {
		return nil, "", fmt.Errorf("error reading IV: %w: %w", platform.ErrDecryption, err)
	}

	// start comes from the record itself, the buffer only grows with what is
	// actually read
	cipherData, err := io.ReadAll(io.LimitReader(r, int64(cipherLen)))
	if err != nil {
		return nil, "", fmt.Errorf("error reading ciphertext: %w: %w", platform.ErrDecryption, err)
	}
	if len(cipherData) != cipherLen {
		return nil, "", fmt.Errorf("%w: truncated ciphertext (%d of %d bytes)", platform.ErrDecryption, len(cipherData), cipherLen)
	}

	data, err := decipherAESCBC(cipherData, key, iv)
	if err != nil {
		return nil, "", err
	}

	tail, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("error reading plaintext tail: %w", err)
	}

	return append(data, tail...), header.MD5, nil
}

func decipherAESCBC(data, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("error creating cipher: %w: %w", platform.ErrDecryption, err)
	}

	res := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(res, data)

	paddingLen := int(res[len(res)-1])
	if paddingLen == 0 || paddingLen > aes.BlockSize || paddingLen > len(res) {
		return nil, fmt.Errorf("%w: invalid padding length %d (data length is %d)", platform.ErrDecryption, paddingLen, len(res))
	}

	for _, b := range res[len(res)-paddingLen:] {
		if int(b) != paddingLen {
			return nil, fmt.Errorf("%w: invalid padding bytes", platform.ErrDecryption)
		}
	}

	return res[:len(res)-paddingLen], nil
}

// Seal is the inverse of Decrypt. It builds a record for the given plaintext,
// which is padded and encrypted, followed by tail stored as is.
func Seal(key, iv []byte, md5 string, plaintext, tail []byte) ([]byte, error) {
	if len(iv) != IVSize {
		return nil, fmt.Errorf("invalid IV length %d", len(iv))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("error creating cipher: %w", err)
	}

	paddingLen := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append(append([]byte(nil), plaintext...), bytes.Repeat([]byte{byte(paddingLen)}, paddingLen)...)

	cipherData := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(cipherData, padded)

	header, err := msgpack.Marshal(&Header{
		Start: HeaderSize + IVSize + len(cipherData),
		MD5:   md5,
	})
	if err != nil {
		return nil, fmt.Errorf("error encoding header: %w", err)
	}

	if len(header) > HeaderSize {
		return nil, fmt.Errorf("header too large (%d bytes)", len(header))
	}

	res := make([]byte, HeaderSize, HeaderSize+IVSize+len(cipherData)+len(tail))
	copy(res, header)
	res = append(res, iv...)
	res = append(res, cipherData...)
	res = append(res, tail...)

	return res, nil
}

// KeySource hands out the shared key for the duration of fn.
type KeySource interface {
	Use(ctx context.Context, fn func(key []byte) error) error
}

// Decryptor decrypts records with a key obtained lazily from a KeySource.
type Decryptor struct {
	keys KeySource
}

func NewDecryptor(keys KeySource) *Decryptor {
	return &Decryptor{keys: keys}
}

func (d *Decryptor) Decrypt(ctx context.Context, r io.Reader) (data []byte, md5 string, err error) {
	err = d.keys.Use(ctx, func(key []byte) error {
		var decryptErr error
		data, md5, decryptErr = Decrypt(r, key)
		return decryptErr
	})

	return data, md5, err
}
