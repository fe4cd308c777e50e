package hq

import "fmt"

// ErrorCode is an HTTP/3 application error code, carried by stream resets,
// STOP_SENDING and connection closes.
type ErrorCode uint64

// HTTP/3 error codes
const (
	ErrNoError                   ErrorCode = 0x00
	ErrWrongSettingDirection     ErrorCode = 0x01
	ErrPushRefused               ErrorCode = 0x02
	ErrInternalError             ErrorCode = 0x03
	ErrPushAlreadyInCache        ErrorCode = 0x04
	ErrRequestCancelled          ErrorCode = 0x05
	ErrIncompleteRequest         ErrorCode = 0x06
	ErrConnectError              ErrorCode = 0x07
	ErrExcessiveLoad             ErrorCode = 0x08
	ErrVersionFallback           ErrorCode = 0x09
	ErrWrongStream               ErrorCode = 0x0A
	ErrPushLimitExceeded         ErrorCode = 0x0B
	ErrDuplicatePush             ErrorCode = 0x0C
	ErrUnknownStreamType         ErrorCode = 0x0D
	ErrWrongStreamCount          ErrorCode = 0x0E
	ErrClosedCriticalStream      ErrorCode = 0x0F
	ErrWrongStreamDirection      ErrorCode = 0x10
	ErrEarlyResponse             ErrorCode = 0x11
	ErrMissingSettings           ErrorCode = 0x12
	ErrUnexpectedFrame           ErrorCode = 0x13
	ErrRequestRejected           ErrorCode = 0x14
	ErrGeneralProtocolError      ErrorCode = 0xFF
	ErrMalformedFrameData        ErrorCode = 0x100
	ErrMalformedFrameHeaders     ErrorCode = 0x101
	ErrMalformedFramePriority    ErrorCode = 0x102
	ErrMalformedFrameCancelPush  ErrorCode = 0x103
	ErrMalformedFrameSettings    ErrorCode = 0x104
	ErrMalformedFramePushPromise ErrorCode = 0x105
	ErrMalformedFrameGoaway      ErrorCode = 0x107
	ErrMalformedFrameMaxPushID   ErrorCode = 0x10D
	ErrMalformedFrame            ErrorCode = 0x1FF
	ErrQPACKDecompressionFailed  ErrorCode = 0x200
	ErrQPACKDecoderStreamError   ErrorCode = 0x201
	ErrQPACKEncoderStreamError   ErrorCode = 0x202
	ErrGiveupZeroRTT             ErrorCode = 0xF0000000
)

var errorCodeText = map[ErrorCode]string{
	ErrNoError:                   "HTTP: No error",
	ErrWrongSettingDirection:     "HTTP: Wrong SETTING direction",
	ErrPushRefused:               "HTTP: Client refused pushed content",
	ErrInternalError:             "HTTP: Internal error",
	ErrPushAlreadyInCache:        "HTTP: Pushed content already cached",
	ErrRequestCancelled:          "HTTP: Data no longer needed",
	ErrIncompleteRequest:         "HTTP: Stream terminated early",
	ErrConnectError:              "HTTP: Reset or error on CONNECT request",
	ErrExcessiveLoad:             "HTTP: Peer generating excessive load",
	ErrVersionFallback:           "HTTP: Retry over HTTP/1.1",
	ErrWrongStream:               "HTTP: A frame was sent on the wrong stream",
	ErrPushLimitExceeded:         "HTTP: Maximum Push ID exceeded",
	ErrDuplicatePush:             "HTTP: Push ID was fulfilled multiple times",
	ErrUnknownStreamType:         "HTTP: Unknown unidirectional stream type",
	ErrWrongStreamCount:          "HTTP: Too many unidirectional streams",
	ErrClosedCriticalStream:      "HTTP: Critical stream was closed",
	ErrWrongStreamDirection:      "HTTP: Unidirectional stream in wrong direction",
	ErrEarlyResponse:             "HTTP: Remainder of request not needed",
	ErrMissingSettings:           "HTTP: No SETTINGS frame received",
	ErrUnexpectedFrame:           "HTTP: Unexpected frame from client",
	ErrRequestRejected:           "HTTP: Server did not process request",
	ErrQPACKDecompressionFailed:  "HTTP: QPACK decompression failed",
	ErrQPACKDecoderStreamError:   "HTTP: Error on QPACK decoder stream",
	ErrQPACKEncoderStreamError:   "HTTP: Error on QPACK encoder stream",
	ErrGeneralProtocolError:      "HTTP: General protocol error",
	ErrMalformedFrameData:        "HTTP: Malformed DATA frame",
	ErrMalformedFrameHeaders:     "HTTP: Malformed HEADERS frame",
	ErrMalformedFramePriority:    "HTTP: Malformed PRIORITY frame",
	ErrMalformedFrameCancelPush:  "HTTP: Malformed CANCEL_PUSH frame",
	ErrMalformedFrameSettings:    "HTTP: Malformed SETTINGS frame",
	ErrMalformedFramePushPromise: "HTTP: Malformed PUSH_PROMISE frame",
	ErrMalformedFrameGoaway:      "HTTP: Malformed GOAWAY frame",
	ErrMalformedFrameMaxPushID:   "HTTP: Malformed MAX_PUSH_ID frame",
	ErrMalformedFrame:            "HTTP: Malformed frame",
	ErrGiveupZeroRTT:             "Give up Zero RTT",
}

func (c ErrorCode) String() string {
	if s, ok := errorCodeText[c]; ok {
		return s
	}
	return fmt.Sprintf("Unknown error 0x%x", uint64(c))
}
