// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package chapms implements the MS-CHAP and MS-CHAPv2 challenge and
// response exchanges used by the point-to-point link layer, including
// derivation of the MPPE session keys (RFC 2433, RFC 2759, RFC 3079).
//
// A Session holds one peer's credentials and the material produced
// while authenticating: the expected authenticator response on the
// client side, and the MPPE send/receive keys once either side
// completes the exchange.
package chapms

import (
	"bytes"
	"crypto/des"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"io"
	"strings"
	"unicode/utf16"

	"go4.org/mem"
	"golang.org/x/crypto/md4"

	"github.com/piconet-io/picostack/types/logger"
	"github.com/piconet-io/picostack/types/stackerr"
)

const (
	// ChallengeLenV1 and ChallengeLenV2 are the challenge value sizes
	// excluding the leading length octet.
	ChallengeLenV1 = 8
	ChallengeLenV2 = 16

	// ResponseLen is the response value size for both protocol
	// versions, excluding the leading length octet.
	ResponseLen = 49

	// AuthResponseLen is the length of the textual authenticator
	// response, 40 hex digits.
	AuthResponseLen = 40

	// NTRespLen is the size of the NT-Response field.
	NTRespLen = 24

	// MPPEKeyLen is the session key length handed to MPPE.
	MPPEKeyLen = 16

	// MaxNTPassword bounds the secret, in UTF-16 code units.
	MaxNTPassword = 256
)

// MS-CHAPv1 response layout.
const (
	v1OffLANMan = 0
	v1OffNT     = 24
	v1OffUseNT  = 48
)

// MS-CHAPv2 response layout.
const (
	v2OffPeerChallenge = 0
	v2OffReserved      = 16
	v2OffNT            = 24
	v2OffFlags         = 48
)

// Authentication failure codes carried in "E=" failure messages.
const (
	ErrRestrictedLogonHours = 646
	ErrAcctDisabled         = 647
	ErrPasswdExpired        = 648
	ErrNoDialinPermission   = 649
	ErrAuthenticationFail   = 691
	ErrChangingPassword     = 709
)

// RFC 2759 authenticator-response constants.
var (
	magic1 = []byte("Magic server to client signing constant")
	magic2 = []byte("Pad to make it do more than one iteration")
)

// RFC 3079 MPPE key derivation constants.
var (
	mppeMasterMagic = []byte("This is the MPPE Master Key")
	mppeSendMagic   = []byte("On the client side, this is the send key;" +
		" on the server side, it is the receive key.")
	mppeRecvMagic = []byte("On the client side, this is the receive key;" +
		" on the server side, it is the send key.")
)

var (
	sha1Pad1 = make([]byte, 40)
	sha1Pad2 = bytes.Repeat([]byte{0xF2}, 40)
)

// lanManText is the fixed plaintext of the LANMan hash construction.
var lanManText = []byte("KGS!@#$%")

// Session is one authentication exchange: the peer's name and secret
// plus the material accumulated while running the protocol.
type Session struct {
	// Name is the peer's account name, possibly "domain\user".
	Name string
	// Secret is the shared password.
	Secret string
	// UseLANMan selects the LANMan response for MS-CHAPv1 instead of
	// the NT response.
	UseLANMan bool

	logf logger.Logf
	rnd  io.Reader

	// authResponse is the expected authenticator response, kept by
	// the client between MakeResponseV2 and CheckSuccessV2.
	authResponse [AuthResponseLen]byte

	// SendKey and RecvKey are the MPPE session keys, valid once
	// KeysSet is true.
	SendKey [MPPEKeyLen]byte
	RecvKey [MPPEKeyLen]byte
	KeysSet bool
}

// NewSession returns a Session for the given credentials. A nil rnd
// uses the cryptographic system source.
func NewSession(logf logger.Logf, rnd io.Reader, name, secret string) *Session {
	if logf == nil {
		logf = logger.Discard
	}
	if rnd == nil {
		rnd = rand.Reader
	}
	return &Session{Name: name, Secret: secret, logf: logf, rnd: rnd}
}

// AuthResponse returns the expected authenticator response computed
// by the last MakeResponseV2 call, as 40 uppercase hex digits.
func (s *Session) AuthResponse() string { return string(s.authResponse[:]) }

// GenerateChallengeV1 returns a length-prefixed 8-byte challenge.
func (s *Session) GenerateChallengeV1() ([]byte, error) {
	return s.generateChallenge(ChallengeLenV1)
}

// GenerateChallengeV2 returns a length-prefixed 16-byte challenge.
func (s *Session) GenerateChallengeV2() ([]byte, error) {
	return s.generateChallenge(ChallengeLenV2)
}

func (s *Session) generateChallenge(n int) ([]byte, error) {
	c := make([]byte, 1+n)
	c[0] = byte(n)
	if _, err := io.ReadFull(s.rnd, c[1:]); err != nil {
		return nil, err
	}
	return c, nil
}

// NTPasswordHash returns the MD4 hash of the UTF-16LE encoding of
// secret.
func NTPasswordHash(secret string) ([]byte, error) {
	units := utf16.Encode([]rune(secret))
	if len(units) > MaxNTPassword {
		return nil, stackerr.ErrArg
	}
	buf := make([]byte, 2*len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[2*i:], u)
	}
	h := md4.New()
	h.Write(buf)
	return h.Sum(nil), nil
}

// expandDESKey widens a 56-bit key to the 64-bit form crypto/des
// takes, spreading 7 bytes over 8 and leaving the parity bits clear.
func expandDESKey(key []byte) []byte {
	return []byte{
		key[0],
		key[0]<<7 | key[1]>>1,
		key[1]<<6 | key[2]>>2,
		key[2]<<5 | key[3]>>3,
		key[3]<<4 | key[4]>>4,
		key[4]<<3 | key[5]>>5,
		key[5]<<2 | key[6]>>6,
		key[6] << 1,
	}
}

func desEncrypt(key7, block, out []byte) error {
	c, err := des.NewCipher(expandDESKey(key7))
	if err != nil {
		return err
	}
	c.Encrypt(out, block)
	return nil
}

// ChallengeResponse pads the 16-byte password hash to 21 bytes,
// splits it into three 7-byte DES keys and encrypts the 8-byte
// challenge under each, concatenating the ciphertexts (RFC 2433).
func ChallengeResponse(challenge, passwordHash []byte) ([]byte, error) {
	var z [21]byte
	copy(z[:], passwordHash)
	resp := make([]byte, NTRespLen)
	for i := 0; i < 3; i++ {
		if err := desEncrypt(z[7*i:7*i+7], challenge[:8], resp[8*i:]); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// stripDomain drops a leading "domain\" from a peer name.
func stripDomain(name string) string {
	if i := strings.LastIndexByte(name, '\\'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// ChallengeHash derives the 8-byte v2 challenge from the peer and
// authenticator challenges and the user name without its domain
// (RFC 2759 ChallengeHash).
func ChallengeHash(peerChallenge, authChallenge []byte, name string) [8]byte {
	h := sha1.New()
	h.Write(peerChallenge[:ChallengeLenV2])
	h.Write(authChallenge[:ChallengeLenV2])
	io.WriteString(h, stripDomain(name))
	var out [8]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ntResponseV1 computes the MS-CHAPv1 NT response.
func ntResponseV1(challenge []byte, secret string) ([]byte, error) {
	hash, err := NTPasswordHash(secret)
	if err != nil {
		return nil, err
	}
	return ChallengeResponse(challenge, hash)
}

// lanManResponse computes the classic LANMan response: DES of the
// fixed text under the upper-cased password, then ChallengeResponse
// over that hash.
func lanManResponse(challenge []byte, secret string) ([]byte, error) {
	var ucase [14]byte
	copy(ucase[:], strings.ToUpper(secret))
	hash := make([]byte, 16)
	if err := desEncrypt(ucase[0:7], lanManText, hash[0:]); err != nil {
		return nil, err
	}
	if err := desEncrypt(ucase[7:14], lanManText, hash[8:]); err != nil {
		return nil, err
	}
	return ChallengeResponse(challenge, hash)
}

// ntResponseV2 computes the MS-CHAPv2 NT response for the given
// challenges and credentials.
func ntResponseV2(authChallenge, peerChallenge []byte, name, secret string) ([]byte, error) {
	ch := ChallengeHash(peerChallenge, authChallenge, name)
	hash, err := NTPasswordHash(secret)
	if err != nil {
		return nil, err
	}
	return ChallengeResponse(ch[:], hash)
}

// authenticatorResponse computes the 40-hex-digit authenticator
// response of RFC 2759 §8.7.
func authenticatorResponse(passwordHashHash, ntResponse, peerChallenge, authChallenge []byte, name string) [AuthResponseLen]byte {
	h := sha1.New()
	h.Write(passwordHashHash)
	h.Write(ntResponse[:NTRespLen])
	h.Write(magic1)
	digest := h.Sum(nil)

	ch := ChallengeHash(peerChallenge, authChallenge, name)
	h = sha1.New()
	h.Write(digest)
	h.Write(ch[:])
	h.Write(magic2)
	digest = h.Sum(nil)

	var out [AuthResponseLen]byte
	hexUpper(out[:], digest)
	return out
}

func hexUpper(dst, src []byte) {
	const digits = "0123456789ABCDEF"
	for i, b := range src {
		if 2*i+1 >= len(dst) {
			break
		}
		dst[2*i] = digits[b>>4]
		dst[2*i+1] = digits[b&0xF]
	}
}

// MakeResponseV1 builds the length-prefixed 49-byte MS-CHAPv1
// response for a length-prefixed challenge, and derives the MPPE
// start key.
func (s *Session) MakeResponseV1(challenge []byte) ([]byte, error) {
	if len(challenge) < 1+ChallengeLenV1 || challenge[0] != ChallengeLenV1 {
		return nil, stackerr.ErrArg
	}
	chal := challenge[1 : 1+ChallengeLenV1]
	resp := make([]byte, 1+ResponseLen)
	resp[0] = ResponseLen
	val := resp[1:]

	if s.UseLANMan {
		lm, err := lanManResponse(chal, s.Secret)
		if err != nil {
			return nil, err
		}
		copy(val[v1OffLANMan:], lm)
		val[v1OffUseNT] = 0
	} else {
		nt, err := ntResponseV1(chal, s.Secret)
		if err != nil {
			return nil, err
		}
		copy(val[v1OffNT:], nt)
		val[v1OffUseNT] = 1
	}
	if err := s.setStartKey(chal); err != nil {
		return nil, err
	}
	return resp, nil
}

// MakeResponseV2 builds the length-prefixed 49-byte MS-CHAPv2
// response, generating a fresh peer challenge. It records the
// expected authenticator response for CheckSuccessV2 and derives the
// MPPE master keys for the client role.
func (s *Session) MakeResponseV2(challenge []byte) ([]byte, error) {
	if len(challenge) < 1+ChallengeLenV2 || challenge[0] != ChallengeLenV2 {
		return nil, stackerr.ErrArg
	}
	var peer [ChallengeLenV2]byte
	if _, err := io.ReadFull(s.rnd, peer[:]); err != nil {
		return nil, err
	}
	return s.makeResponseV2(challenge[1:1+ChallengeLenV2], peer[:], false)
}

func (s *Session) makeResponseV2(authChallenge, peerChallenge []byte, isServer bool) ([]byte, error) {
	resp := make([]byte, 1+ResponseLen)
	resp[0] = ResponseLen
	val := resp[1:]
	copy(val[v2OffPeerChallenge:], peerChallenge[:ChallengeLenV2])

	nt, err := ntResponseV2(authChallenge, peerChallenge, s.Name, s.Secret)
	if err != nil {
		return nil, err
	}
	copy(val[v2OffNT:], nt)

	hash, err := NTPasswordHash(s.Secret)
	if err != nil {
		return nil, err
	}
	hh := md4Sum(hash)
	s.authResponse = authenticatorResponse(hh, nt, peerChallenge, authChallenge, s.Name)
	s.setMasterKeys(hh, nt, isServer)
	return resp, nil
}

// VerifyResponseV1 checks a length-prefixed MS-CHAPv1 response
// against a length-prefixed challenge. It returns the status message
// to send back and whether authentication succeeded.
func (s *Session) VerifyResponseV1(challenge, response []byte) (string, bool) {
	if len(challenge) < 1+ChallengeLenV1 || challenge[0] != ChallengeLenV1 {
		return s.failureMessage(nil, false), false
	}
	chal := challenge[1 : 1+ChallengeLenV1]
	if len(response) < 1+ResponseLen || response[0] != ResponseLen {
		return s.failureMessage(chal, false), false
	}
	val := response[1:]
	if val[v1OffUseNT] == 0 {
		// LANMan-only peers are not supported.
		s.logf("chapms: peer requested LANMan auth")
		return s.failureMessage(chal, false), false
	}
	want, err := ntResponseV1(chal, s.Secret)
	if err != nil {
		return s.failureMessage(chal, false), false
	}
	if subtle.ConstantTimeCompare(val[v1OffNT:v1OffNT+NTRespLen], want) != 1 {
		return s.failureMessage(chal, false), false
	}
	if err := s.setStartKey(chal); err != nil {
		return s.failureMessage(chal, false), false
	}
	return "Access granted", true
}

// VerifyResponseV2 checks a length-prefixed MS-CHAPv2 response
// against a length-prefixed challenge. On success the returned
// message carries the authenticator response; the MPPE master keys
// are derived for the server role.
func (s *Session) VerifyResponseV2(challenge, response []byte) (string, bool) {
	if len(challenge) < 1+ChallengeLenV2 || challenge[0] != ChallengeLenV2 {
		return s.failureMessage(nil, true), false
	}
	chal := challenge[1 : 1+ChallengeLenV2]
	if len(response) < 1+ResponseLen || response[0] != ResponseLen {
		return s.failureMessage(chal, true), false
	}
	val := response[1:]
	peer := val[v2OffPeerChallenge : v2OffPeerChallenge+ChallengeLenV2]

	want, err := s.makeResponseV2(chal, peer, true)
	if err != nil {
		return s.failureMessage(chal, true), false
	}
	got := val[v2OffNT : v2OffNT+NTRespLen]
	if subtle.ConstantTimeCompare(got, want[1+v2OffNT:1+v2OffNT+NTRespLen]) != 1 {
		s.KeysSet = false
		return s.failureMessage(chal, true), false
	}
	// Some old peers (win98) choke on the M= part and mark it by a
	// nonzero Flags field; omit the message for them.
	if val[v2OffFlags] != 0 {
		return "S=" + string(s.authResponse[:]), true
	}
	return "S=" + string(s.authResponse[:]) + " M=Access granted", true
}

// failureMessage formats the RFC 2759 failure status: error 691,
// retry allowed, the same challenge re-offered as uppercase hex.
func (s *Session) failureMessage(challenge []byte, withText bool) string {
	msg := "E=691 R=1 C=" + strings.ToUpper(hex.EncodeToString(challenge)) + " V=0"
	if withText {
		msg += " M=Access denied"
	}
	return msg
}

// CheckSuccessV2 validates a server success message on the client:
// "S=" followed by the expected authenticator response, optionally
// " M=<text>".
func (s *Session) CheckSuccessV2(msg []byte) bool {
	m := mem.B(msg)
	if m.Len() < 2+AuthResponseLen || !mem.HasPrefix(m, mem.S("S=")) {
		s.logf("chapms: malformed success message")
		return false
	}
	m = m.SliceFrom(2)
	var got [AuthResponseLen]byte
	m.SliceTo(AuthResponseLen).Copy(got[:])
	if subtle.ConstantTimeCompare(got[:], s.authResponse[:]) != 1 {
		s.logf("chapms: mutual authentication failed")
		return false
	}
	m = m.SliceFrom(AuthResponseLen)
	if m.Len() == 0 {
		return true
	}
	if m.Len() >= 3 && mem.HasPrefix(m, mem.S(" M=")) {
		return true
	}
	s.logf("chapms: trailing junk in success message")
	return false
}

// HandleFailure digests a server failure message into a line for the
// operator: the M= text when present, else a description of the E=
// code.
func (s *Session) HandleFailure(msg []byte) string {
	m := mem.B(msg)
	if !mem.HasPrefix(m, mem.S("E=")) {
		return string(msg)
	}
	code := 0
	rest := m.SliceFrom(2)
	for i := 0; i < rest.Len(); i++ {
		b := rest.At(i)
		if b < '0' || b > '9' {
			break
		}
		code = code*10 + int(b-'0')
	}
	if i := mem.Index(m, mem.S(" M=")); i >= 0 {
		return string(msg[i+3:])
	}
	switch code {
	case ErrRestrictedLogonHours:
		return "E=646 Restricted logon hours"
	case ErrAcctDisabled:
		return "E=647 Account disabled"
	case ErrPasswdExpired:
		return "E=648 Password expired"
	case ErrNoDialinPermission:
		return "E=649 No dialin permission"
	case ErrAuthenticationFail:
		return "E=691 Authentication failure"
	case ErrChangingPassword:
		return "E=709 Error changing password"
	}
	return string(msg)
}

func md4Sum(b []byte) []byte {
	h := md4.New()
	h.Write(b)
	return h.Sum(nil)
}

// setStartKey derives the MS-CHAPv1 MPPE session key (RFC 3079 §3.2):
// the same key is used in both directions.
func (s *Session) setStartKey(challenge []byte) error {
	hash, err := NTPasswordHash(s.Secret)
	if err != nil {
		return err
	}
	hh := md4Sum(hash)
	h := sha1.New()
	h.Write(hh)
	h.Write(hh)
	h.Write(challenge[:ChallengeLenV1])
	digest := h.Sum(nil)
	copy(s.SendKey[:], digest)
	copy(s.RecvKey[:], digest)
	s.KeysSet = true
	return nil
}

// setMasterKeys derives the MS-CHAPv2 MPPE master keys (RFC 3079
// §3.4), with send and receive swapped between the two roles.
func (s *Session) setMasterKeys(passwordHashHash, ntResponse []byte, isServer bool) {
	h := sha1.New()
	h.Write(passwordHashHash)
	h.Write(ntResponse[:NTRespLen])
	h.Write(mppeMasterMagic)
	master := h.Sum(nil)

	derive := func(magic []byte) []byte {
		h := sha1.New()
		h.Write(master[:MPPEKeyLen])
		h.Write(sha1Pad1)
		h.Write(magic)
		h.Write(sha1Pad2)
		return h.Sum(nil)
	}
	send, recv := mppeSendMagic, mppeRecvMagic
	if isServer {
		send, recv = recv, send
	}
	copy(s.SendKey[:], derive(send))
	copy(s.RecvKey[:], derive(recv))
	s.KeysSet = true
}
