// Copyright (c) 2018 Uber Technologies, Inc.

// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package thriftrelay

import (
	"container/list"

	"github.com/opentracing/opentracing-go"
	"go.uber.org/zap"
)

// ConnectionManager drives one downstream connection: it decodes requests off
// the wire, fans their events into per-request filter chains, and writes
// replies back. All methods run on the connection's event loop; there is no
// locking anywhere below.
type ConnectionManager struct {
	cfg   *Config
	stats *Stats
	log   *zap.Logger

	transport Transport
	protocol  Protocol
	decoder   *Decoder

	requestBuffer Buffer

	// rpcs holds the in-flight requests in arrival order; the front is the
	// oldest.
	rpcs list.List

	stopped    bool
	halfClosed bool

	readCallbacks ReadFilterCallbacks
}

var _ ReadFilter = (*ConnectionManager)(nil)
var _ DecoderCallbacks = (*ConnectionManager)(nil)

// NewConnectionManager returns a ConnectionManager for one downstream
// connection. The config may be shared across connections.
func NewConnectionManager(cfg *Config) (*ConnectionManager, error) {
	cfg.normalize()

	transport, err := cfg.newTransport()
	if err != nil {
		return nil, err
	}
	protocol, err := cfg.newProtocol()
	if err != nil {
		return nil, err
	}

	cm := &ConnectionManager{
		cfg:       cfg,
		stats:     cfg.Stats(),
		log:       cfg.Logger,
		transport: transport,
		protocol:  protocol,
	}
	cm.decoder = NewDecoder(transport, protocol, cm)
	return cm, nil
}

// InitializeReadFilterCallbacks implements ReadFilter.
func (cm *ConnectionManager) InitializeReadFilterCallbacks(callbacks ReadFilterCallbacks) {
	cm.readCallbacks = callbacks
	callbacks.Connection().AddConnectionCallbacks(cm)
	callbacks.Connection().EnableHalfClose(true)
}

// OnNewConnection implements ReadFilter.
func (cm *ConnectionManager) OnNewConnection() FilterStatus {
	return FilterStatusContinue
}

// OnData implements ReadFilter. It always consumes the whole buffer and
// always stops iteration: nothing downstream of this filter sees the bytes.
func (cm *ConnectionManager) OnData(data *Buffer, endStream bool) FilterStatus {
	cm.requestBuffer.Move(data)
	cm.dispatch()

	if endStream {
		cm.log.Debug("downstream half-closed")

		// Downstream has closed. Unless we are paused waiting to finish a
		// oneway request, there is nothing left the client could receive.
		if cm.stopped {
			if front := cm.frontRpc(); front != nil && front.metadata != nil &&
				front.metadata.MessageType() == MessageTypeOneway {
				cm.log.Debug("waiting for oneway completion")
				cm.halfClosed = true
				return FilterStatusStopIteration
			}
		}

		cm.resetAllRpcs(false)
		cm.readCallbacks.Connection().Close(CloseFlushWrite)
	}

	return FilterStatusStopIteration
}

// OnEvent implements ConnectionCallbacks: any close tears down the in-flight
// requests. Local and remote close differ only in which counter they bump.
func (cm *ConnectionManager) OnEvent(event ConnectionEvent) {
	cm.resetAllRpcs(event == ConnectionEventLocalClose)
}

// ContinueDecoding resumes decoding after a filter's StopIteration.
func (cm *ConnectionManager) ContinueDecoding() {
	cm.log.Debug("thrift filter continued")
	cm.stopped = false
	cm.dispatch()

	if !cm.stopped && cm.halfClosed {
		// The client went away while we were paused; nothing more can arrive
		// and nothing we produce will be read past what is already queued.
		cm.resetAllRpcs(false)
		cm.readCallbacks.Connection().Close(CloseFlushWrite)
	}
}

// SendLocalReply encodes response with the downstream protocol, frames it
// with the downstream transport, and writes it without closing.
func (cm *ConnectionManager) SendLocalReply(metadata *MessageMetadata, response DirectResponse) {
	var payload Buffer
	response.Encode(metadata, cm.protocol, &payload)

	var frame Buffer
	metadata.SetProtocol(cm.protocol.Type())
	cm.transport.EncodeFrame(&frame, metadata, &payload)

	cm.readCallbacks.Connection().Write(&frame, false)
}

// NewDecoderEventHandler implements DecoderCallbacks: each decoded message
// begins a new in-flight request.
func (cm *ConnectionManager) NewDecoderEventHandler() DecoderEventHandler {
	cm.log.Debug("new decoder filter")

	rpc := newActiveRpc(cm)
	rpc.createFilterChain()
	rpc.element = cm.rpcs.PushBack(rpc)
	return rpc
}

func (cm *ConnectionManager) dispatch() {
	if cm.stopped {
		cm.log.Debug("thrift filter stopped")
		return
	}

	for {
		status, underflow, err := cm.decoder.OnData(&cm.requestBuffer)
		if err != nil {
			cm.onDispatchError(err)
			return
		}
		if status == FilterStatusStopIteration {
			cm.stopped = true
			return
		}
		if underflow {
			return
		}
	}
}

// onDispatchError applies the error policy: an AppException is answered
// in-band and, if the stream can resynchronize, the connection survives;
// anything else is fatal for the connection.
func (cm *ConnectionManager) onDispatchError(err error) {
	if app, ok := asAppException(err); ok {
		cm.log.Error("thrift application exception", zap.Error(app))

		// Reply with the oldest rpc's metadata, but do not touch its
		// lifecycle: it may be an unrelated call still awaiting its upstream
		// response. Only the rpc that was being decoded is torn down below.
		current, _ := cm.decoder.handler.(*ActiveRpc)
		if front := cm.frontRpc(); front != nil {
			cm.SendLocalReply(front.metadata, app)
		} else {
			cm.SendLocalReply(NewMessageMetadata(), app)
		}
		if cm.decoder.ResyncToFrameEnd() {
			// The partially-decoded request is unanswerable; drop it too.
			if current != nil {
				cm.doDeferredRpcDestroy(current)
			}
			return
		}
	} else {
		cm.log.Error("thrift decoding error", zap.Error(err))
		if front := cm.frontRpc(); front != nil {
			front.onError(err.Error())
		}
	}

	cm.stats.RequestDecodingError.Inc()
	cm.resetAllRpcs(true)
	cm.readCallbacks.Connection().Close(CloseFlushWrite)
}

func (cm *ConnectionManager) frontRpc() *ActiveRpc {
	front := cm.rpcs.Front()
	if front == nil {
		return nil
	}
	return front.Value.(*ActiveRpc)
}

// resetAllRpcs drains the in-flight list, oldest first. Each OnReset removes
// its rpc from the list, which is what terminates the loop.
func (cm *ConnectionManager) resetAllRpcs(localReset bool) {
	for cm.rpcs.Len() > 0 {
		if localReset {
			cm.log.Debug("local close with active request")
			cm.stats.CxDestroyLocalWithActiveRq.Inc()
		} else {
			cm.log.Debug("remote close with active request")
			cm.stats.CxDestroyRemoteWithActiveRq.Inc()
		}

		cm.frontRpc().OnReset()
	}
}

// doDeferredRpcDestroy removes rpc from the in-flight list immediately and
// defers its teardown to the end of the current event-loop turn, so an rpc
// can destroy itself from inside its own event methods.
func (cm *ConnectionManager) doDeferredRpcDestroy(rpc *ActiveRpc) {
	if rpc.element == nil {
		return
	}
	cm.rpcs.Remove(rpc.element)
	rpc.element = nil
	cm.readCallbacks.Connection().Dispatcher().DeferredDelete(rpc)
}

// ActiveRpc is one in-flight downstream request. It receives the request's
// decoder events, feeds them to its filter chain, and correlates the upstream
// reply back to the client.
type ActiveRpc struct {
	parent *ConnectionManager

	metadata           *MessageMetadata
	originalSequenceID int32

	// eventHandler is where decoder events go next: the filter chain head,
	// or the protocol's upgrade decoder for upgrade messages.
	eventHandler   DecoderEventHandler
	upgradeHandler DecoderEventHandler

	// decoderFilter is the terminal filter, which owns the upstream side.
	decoderFilter   DecoderFilter
	responseDecoder *ResponseDecoder

	// Route resolution is memoized including a "no route" result, so a miss
	// is never recomputed.
	cachedRoute   Route
	routeResolved bool

	streamID uint64
	span     opentracing.Span
	element  *list.Element
}

var _ DecoderEventHandler = (*ActiveRpc)(nil)
var _ DecoderFilterCallbacks = (*ActiveRpc)(nil)
var _ FilterChainFactoryCallbacks = (*ActiveRpc)(nil)
var _ Deletable = (*ActiveRpc)(nil)

func newActiveRpc(parent *ConnectionManager) *ActiveRpc {
	return &ActiveRpc{
		parent:   parent,
		streamID: parent.cfg.Random(),
	}
}

func (r *ActiveRpc) createFilterChain() {
	r.parent.cfg.FilterFactory.CreateFilterChain(r)
}

// AddDecoderFilter implements FilterChainFactoryCallbacks.
// TODO: support more than a single decoder filter per request.
func (r *ActiveRpc) AddDecoderFilter(filter DecoderFilter) {
	filter.SetDecoderFilterCallbacks(r)
	r.eventHandler = filter
	r.decoderFilter = filter
}

// MessageBegin records the request envelope, redirects upgrade handshakes to
// the protocol's upgrade decoder, and forwards the event.
func (r *ActiveRpc) MessageBegin(metadata *MessageMetadata) (FilterStatus, error) {
	r.metadata = metadata
	r.originalSequenceID = metadata.SequenceID()

	r.span = r.parent.cfg.Tracer.StartSpan("thrift_proxy.request")
	r.span.SetTag("method", metadata.MethodName())
	r.span.SetTag("message_type", metadata.MessageType().String())
	r.span.SetTag("sequence_id", metadata.SequenceID())

	if metadata.IsProtocolUpgradeMessage() {
		r.parent.log.Debug("decoding protocol upgrade request")
		r.upgradeHandler = r.parent.protocol.UpgradeRequestDecoder()
		r.eventHandler = r.upgradeHandler
	}

	return r.eventHandler.MessageBegin(metadata)
}

// TransportEnd counts the finished request, completes oneways (no reply will
// ever arrive for them), and answers upgrade handshakes.
func (r *ActiveRpc) TransportEnd() (FilterStatus, error) {
	cm := r.parent

	cm.stats.Request.Inc()
	switch r.metadata.MessageType() {
	case MessageTypeCall:
		cm.stats.RequestCall.Inc()

	case MessageTypeOneway:
		cm.stats.RequestOneway.Inc()

		// No response forthcoming, we're done.
		cm.doDeferredRpcDestroy(r)

	default:
		cm.stats.RequestInvalidType.Inc()
	}

	status, err := r.eventHandler.TransportEnd()
	if err != nil {
		return status, err
	}

	if r.metadata.IsProtocolUpgradeMessage() {
		cm.log.Debug("sending protocol upgrade response")
		r.SendLocalReply(cm.protocol.UpgradeResponse(r.upgradeHandler))
	}

	return status, nil
}

func (r *ActiveRpc) MessageEnd() (FilterStatus, error) { return r.eventHandler.MessageEnd() }
func (r *ActiveRpc) StructBegin(name string) (FilterStatus, error) {
	return r.eventHandler.StructBegin(name)
}
func (r *ActiveRpc) StructEnd() (FilterStatus, error) { return r.eventHandler.StructEnd() }
func (r *ActiveRpc) FieldBegin(name string, fieldType FieldType, fieldID int16) (FilterStatus, error) {
	return r.eventHandler.FieldBegin(name, fieldType, fieldID)
}
func (r *ActiveRpc) FieldEnd() (FilterStatus, error)           { return r.eventHandler.FieldEnd() }
func (r *ActiveRpc) BoolValue(v bool) (FilterStatus, error)    { return r.eventHandler.BoolValue(v) }
func (r *ActiveRpc) ByteValue(v int8) (FilterStatus, error)    { return r.eventHandler.ByteValue(v) }
func (r *ActiveRpc) Int16Value(v int16) (FilterStatus, error)  { return r.eventHandler.Int16Value(v) }
func (r *ActiveRpc) Int32Value(v int32) (FilterStatus, error)  { return r.eventHandler.Int32Value(v) }
func (r *ActiveRpc) Int64Value(v int64) (FilterStatus, error)  { return r.eventHandler.Int64Value(v) }
func (r *ActiveRpc) DoubleValue(v float64) (FilterStatus, error) {
	return r.eventHandler.DoubleValue(v)
}
func (r *ActiveRpc) StringValue(v string) (FilterStatus, error) {
	return r.eventHandler.StringValue(v)
}
func (r *ActiveRpc) MapBegin(keyType, valueType FieldType, size int) (FilterStatus, error) {
	return r.eventHandler.MapBegin(keyType, valueType, size)
}
func (r *ActiveRpc) MapEnd() (FilterStatus, error) { return r.eventHandler.MapEnd() }
func (r *ActiveRpc) ListBegin(elemType FieldType, size int) (FilterStatus, error) {
	return r.eventHandler.ListBegin(elemType, size)
}
func (r *ActiveRpc) ListEnd() (FilterStatus, error) { return r.eventHandler.ListEnd() }
func (r *ActiveRpc) SetBegin(elemType FieldType, size int) (FilterStatus, error) {
	return r.eventHandler.SetBegin(elemType, size)
}
func (r *ActiveRpc) SetEnd() (FilterStatus, error) { return r.eventHandler.SetEnd() }

// OnReset tears the rpc down because its connection is going away.
func (r *ActiveRpc) OnReset() {
	r.parent.doDeferredRpcDestroy(r)
}

// onError reports a stream-fatal error to the client, when enough of the
// request was parsed to address a reply. Before messageBegin there is no
// sequence ID or protocol identity, so no valid frame can be built and the
// error stays local.
func (r *ActiveRpc) onError(what string) {
	if r.metadata != nil {
		r.SendLocalReply(NewAppException(AppExceptionProtocolError, "%s", what))
	}
}

// Connection implements DecoderFilterCallbacks.
func (r *ActiveRpc) Connection() Connection {
	return r.parent.readCallbacks.Connection()
}

// ContinueDecoding implements DecoderFilterCallbacks.
func (r *ActiveRpc) ContinueDecoding() {
	r.parent.ContinueDecoding()
}

// Route implements DecoderFilterCallbacks.
func (r *ActiveRpc) Route() Route {
	if !r.routeResolved {
		if r.metadata != nil {
			r.cachedRoute = r.parent.cfg.Router.Route(r.metadata, r.streamID)
		}
		r.routeResolved = true
	}
	return r.cachedRoute
}

// StreamID implements DecoderFilterCallbacks.
func (r *ActiveRpc) StreamID() uint64 {
	return r.streamID
}

// SendLocalReply implements DecoderFilterCallbacks. The reply carries the
// client's original sequence ID even if the upstream leg rewrote it.
func (r *ActiveRpc) SendLocalReply(response DirectResponse) {
	r.metadata.SetSequenceID(r.originalSequenceID)

	r.parent.SendLocalReply(r.metadata, response)
	r.parent.doDeferredRpcDestroy(r)
}

// StartUpstreamResponse implements DecoderFilterCallbacks. The transport and
// protocol are the ones actually observed on the upstream socket, which may
// differ from the downstream pair.
func (r *ActiveRpc) StartUpstreamResponse(transport Transport, protocol Protocol) {
	if r.responseDecoder != nil {
		panic("thriftrelay: StartUpstreamResponse called twice for one rpc")
	}
	r.responseDecoder = newResponseDecoder(r, transport, protocol)
}

// UpstreamData implements DecoderFilterCallbacks. It reports true when the
// response is complete, including the failure cases, which complete the rpc
// by other means.
func (r *ActiveRpc) UpstreamData(data *Buffer) bool {
	complete, err := r.responseDecoder.OnData(data)
	if err == nil {
		if complete {
			r.parent.doDeferredRpcDestroy(r)
		}
		return complete
	}

	r.parent.stats.ResponseDecodingError.Inc()
	if app, ok := asAppException(err); ok {
		r.parent.log.Error("thrift response application error", zap.Error(app))
		r.SendLocalReply(app)
	} else {
		r.parent.log.Error("thrift response decoding error", zap.Error(err))
		r.onError(err.Error())
	}
	r.decoderFilter.ResetUpstreamConnection()
	return true
}

// ResetDownstreamConnection implements DecoderFilterCallbacks.
func (r *ActiveRpc) ResetDownstreamConnection() {
	r.parent.readCallbacks.Connection().Close(CloseNoFlush)
}

// OnDeferredDelete implements Deletable: final teardown at end of turn.
func (r *ActiveRpc) OnDeferredDelete() {
	if r.decoderFilter != nil {
		r.decoderFilter.OnDestroy()
	}
	if r.span != nil {
		r.span.Finish()
	}
}

// ResponseDecoder decodes one upstream reply with the upstream's codecs and
// re-encodes it for the downstream wire: downstream protocol, downstream
// framing, and the client's original sequence ID.
type ResponseDecoder struct {
	ProtocolConverter

	rpc     *ActiveRpc
	decoder *Decoder

	upstreamBuffer Buffer
	responseBuffer Buffer

	metadata *MessageMetadata
	complete bool

	// firstReplyField drives success classification: a Reply struct sets
	// at most one field, field 0 for the declared return value, 1..N for
	// declared exceptions.
	firstReplyField bool
	success         *bool
}

var _ DecoderEventHandler = (*ResponseDecoder)(nil)

func newResponseDecoder(rpc *ActiveRpc, transport Transport, protocol Protocol) *ResponseDecoder {
	rd := &ResponseDecoder{rpc: rpc}
	rd.initProtocolConverter(rpc.parent.protocol, &rd.responseBuffer)
	rd.decoder = NewDecoder(transport, protocol, singleHandler{handler: rd})
	return rd
}

// OnData decodes upstream bytes. Postcondition: the response is complete or
// the decoder underflowed waiting for more.
func (rd *ResponseDecoder) OnData(data *Buffer) (bool, error) {
	rd.upstreamBuffer.Move(data)

	if _, _, err := rd.decoder.OnData(&rd.upstreamBuffer); err != nil {
		return false, err
	}
	return rd.complete, nil
}

// MessageBegin rewrites the sequence ID to the client's before the converter
// re-encodes the envelope.
func (rd *ResponseDecoder) MessageBegin(metadata *MessageMetadata) (FilterStatus, error) {
	rd.metadata = metadata
	metadata.SetSequenceID(rd.rpc.originalSequenceID)

	rd.firstReplyField = metadata.HasMessageType() && metadata.MessageType() == MessageTypeReply
	return rd.ProtocolConverter.MessageBegin(metadata)
}

func (rd *ResponseDecoder) FieldBegin(name string, fieldType FieldType, fieldID int16) (FilterStatus, error) {
	if rd.firstReplyField {
		// Reply messages contain a struct where field 0 is the call result
		// and fields 1+ are exceptions, if defined. At most one field may be
		// set, so the very first field is either field 0 (success) or not
		// (IDL exception returned).
		success := fieldID == 0 && fieldType != FieldTypeStop
		rd.success = &success
		rd.firstReplyField = false
	}

	return rd.ProtocolConverter.FieldBegin(name, fieldType, fieldID)
}

// TransportEnd frames the re-encoded reply for the downstream wire and counts
// the response. The transport is built fresh from the downstream decoder's
// concrete type: after auto-detection that type is exact, where the
// connection-level transport may still be the auto wrapper.
func (rd *ResponseDecoder) TransportEnd() (FilterStatus, error) {
	cm := rd.rpc.parent

	transport := NewTransport(cm.decoder.TransportType())

	var frame Buffer
	rd.metadata.SetProtocol(cm.decoder.ProtocolType())
	transport.EncodeFrame(&frame, rd.metadata, &rd.responseBuffer)
	rd.complete = true

	cm.readCallbacks.Connection().Write(&frame, false)

	cm.stats.Response.Inc()
	switch rd.metadata.MessageType() {
	case MessageTypeReply:
		cm.stats.ResponseReply.Inc()
		if rd.success != nil && *rd.success {
			cm.stats.ResponseSuccess.Inc()
		} else {
			cm.stats.ResponseError.Inc()
		}

	case MessageTypeException:
		cm.stats.ResponseException.Inc()

	default:
		cm.stats.ResponseInvalidType.Inc()
	}

	return FilterStatusContinue, nil
}
