/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2017 Markus Stenberg
 *
 * Created:       Sun Dec 24 16:42:12 2017 mstenber
 * Last modified: Sun Dec 24 18:31:01 2017 mstenber
 * Edit time:     58 min
 *
 */

// codec library is responsible for transforming data + additionalData
// to different kind of data. This means in practise either
// encrypting/decrypting, or compressing/uncompressing on case-by-case
// basis.
//
// CodecChain makes it possible to combine multiple Codecs that do the
// particular sub-EncodeBytes/DecodeBytes steps. In this module the
// chain sits in front of the metadata device's block backend (see
// blockio), so the metadata device can optionally be compressed
// and/or encrypted at rest without the B-tree or space map above it
// knowing anything changed.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"log"

	"github.com/klauspost/compress/zstd"
	"github.com/minio/sha256-simd"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/crypto/pbkdf2"
)

// Codec
//
// Single transformation of byte slices.
type Codec interface {
	DecodeBytes(data, additionalData []byte) (ret []byte, err error)
	EncodeBytes(data, additionalData []byte) (ret []byte, err error)
}

// EncryptingCodec
//
// AES GCM based encrypting/decrypting (+authenticating) Codec.
// Output framing is simply {nonce}{ciphertext+tag}; GCM already
// self-describes the tag, so no further length prefix is needed.
type EncryptingCodec struct {
	gcm cipher.AEAD
	// Main key
	mk []byte
}

func (self EncryptingCodec) Init(password, salt []byte, iter int) *EncryptingCodec {
	self.mk = pbkdf2.Key(password, salt, iter, 32, sha256.New)
	block, err := aes.NewCipher(self.mk)
	if err != nil {
		log.Fatal(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		log.Fatal(err)
	}
	self.gcm = gcm
	return &self
}

func (self *EncryptingCodec) DecodeBytes(data, additionalData []byte) (ret []byte, err error) {
	ns := self.gcm.NonceSize()
	if len(data) < ns {
		return nil, fmt.Errorf("codec: ciphertext shorter than nonce")
	}
	nonce, ciphertext := data[:ns], data[ns:]
	return self.gcm.Open(nil, nonce, ciphertext, additionalData)
}

func (self *EncryptingCodec) EncodeBytes(data, additionalData []byte) (ret []byte, err error) {
	nonce := make([]byte, self.gcm.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return
	}
	ret = self.gcm.Seal(nonce, nonce, data, additionalData)
	return
}

// CompressionType tags a CompressingCodec's output so decode knows
// which algorithm (if any) produced it.
type CompressionType byte

const (
	CompressionTypePlain CompressionType = iota
	CompressionTypeLZ4
	CompressionTypeZstd
)

// CompressingCodec
//
// On-the-fly compressing Codec. If the result does not improve, the
// result is marked to be plaintext and passed as-is (at cost of 1
// byte). Algorithm defaults to lz4 (low latency, matches the
// teacher's choice); set Algorithm="zstd" for a higher-ratio,
// higher-CPU alternative.
type CompressingCodec struct {
	Algorithm string // "" or "lz4" (default), or "zstd"

	// maximumSize tracks the largest decode seen so far, so lz4
	// decode buffers grow instead of being guessed fresh every call.
	maximumSize int

	zEncoder *zstd.Encoder
	zDecoder *zstd.Decoder
}

const smallestCompressionSize = 1024      // Reasonable initial #
const largestCompressionSize = 1024000000 // Gigabyte at once is madness

func (self *CompressingCodec) zstdEncoder() *zstd.Encoder {
	if self.zEncoder == nil {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			log.Panic(err)
		}
		self.zEncoder = enc
	}
	return self.zEncoder
}

func (self *CompressingCodec) zstdDecoder() *zstd.Decoder {
	if self.zDecoder == nil {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			log.Panic(err)
		}
		self.zDecoder = dec
	}
	return self.zDecoder
}

func (self *CompressingCodec) DecodeBytes(data, additionalData []byte) (ret []byte, err error) {
	if len(data) == 0 {
		return data, nil
	}
	ct := CompressionType(data[0])
	body := data[1:]
	switch ct {
	case CompressionTypePlain:
		ret = body
	case CompressionTypeLZ4:
		maximumSize := self.maximumSize
		if maximumSize < smallestCompressionSize {
			maximumSize = smallestCompressionSize
		}
		ret = make([]byte, maximumSize)
		var n int
		n, err = lz4.UncompressBlock(body, ret)
		if err == lz4.ErrInvalidSourceShortBuffer {
			self.maximumSize = maximumSize * 2
			if self.maximumSize > largestCompressionSize {
				log.Panic(err)
			}
			return self.DecodeBytes(data, additionalData)
		}
		if err != nil {
			return nil, err
		}
		ret = ret[:n]
	case CompressionTypeZstd:
		ret, err = self.zstdDecoder().DecodeAll(body, nil)
	default:
		return nil, fmt.Errorf("codec: unknown compression type %d", ct)
	}
	return
}

func (self *CompressingCodec) EncodeBytes(data, additionalData []byte) (ret []byte, err error) {
	if self.Algorithm == "zstd" {
		enc := self.zstdEncoder().EncodeAll(data, nil)
		if len(enc) >= len(data) {
			return append([]byte{byte(CompressionTypePlain)}, data...), nil
		}
		return append([]byte{byte(CompressionTypeZstd)}, enc...), nil
	}
	rd := make([]byte, lz4.CompressBlockBound(len(data)))
	var compressor lz4.Compressor
	n, err := compressor.CompressBlock(data, rd)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return append([]byte{byte(CompressionTypePlain)}, data...), nil
	}
	return append([]byte{byte(CompressionTypeLZ4)}, rd[:n]...), nil
}

// CodecChain composes Codecs: applied in construction order on
// encode, reverse order on decode (so the last thing encoded is the
// first thing decoded).
type CodecChain struct {
	codecs, reverseCodecs []Codec
}

// Init method initializes the codec chain.
//
// codecs are given in encode order, so e.g. a compressing one
// should be given before an encrypting one (compress, then encrypt -
// encrypted data rarely compresses further).
func (self CodecChain) Init(codecs ...Codec) *CodecChain {
	self.codecs = codecs
	rc := make([]Codec, len(codecs))
	for i, c := range codecs {
		rc[len(codecs)-i-1] = c
	}
	self.reverseCodecs = rc
	return &self
}

func (self *CodecChain) EncodeBytes(data, additionalData []byte) (ret []byte, err error) {
	ret = data
	for _, c := range self.codecs {
		ret, err = c.EncodeBytes(ret, additionalData)
		if err != nil {
			return
		}
	}
	return
}

func (self *CodecChain) DecodeBytes(data, additionalData []byte) (ret []byte, err error) {
	ret = data
	for _, c := range self.reverseCodecs {
		ret, err = c.DecodeBytes(ret, additionalData)
		if err != nil {
			return
		}
	}
	return
}
