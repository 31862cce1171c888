package main

import (
	"bytes"
	"encoding/hex"

	"github.com/abustany/pdfgrab/pkg/pagecrypt"
)

var handles = map[*byte][]byte{}

func main() {
}

//export newBytes
func newBytes(size int) *byte {
	if size == 0 {
		return nil
	}
	return newHandle(make([]byte, size))
}

func newHandle(b []byte) *byte {
	if len(b) == 0 {
		return nil
	}
	handles[&b[0]] = b
	return &b[0]
}

//export freeBytes
func freeBytes(ptr *byte) {
	delete(handles, ptr)
}

//export bytesSize
func bytesSize(ptr *byte) int {
	return len(handles[ptr])
}

//export decrypt
func decrypt(inPtr *byte, keyHexPtr *byte) *byte {
	key, err := hex.DecodeString(string(handles[keyHexPtr]))
	if err != nil {
		panic("error decoding key: " + err.Error())
	}

	page, _, err := pagecrypt.Decrypt(bytes.NewReader(handles[inPtr]), key)
	if err != nil {
		panic(err.Error())
	}

	return newHandle(page)
}

// pageHash returns the content hash declared in the header of a record.
//
//export pageHash
func pageHash(inPtr *byte) *byte {
	header, err := pagecrypt.ReadHeader(bytes.NewReader(handles[inPtr]))
	if err != nil {
		panic(err.Error())
	}

	return newHandle([]byte(header.MD5))
}
