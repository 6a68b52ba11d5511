package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"meshcast/internal/dataType"
	"meshcast/internal/replay"
	"meshcast/internal/security"

	"go.uber.org/zap"
)

// HandleArrival runs one datagram through the pipeline. The arrival's buffer
// is released as soon as it has been decoded.
func (t *Transport) HandleArrival(rec *dataType.ArrivalRecord) {
	if rec == nil {
		return
	}
	t.metrics.received.Inc()
	seq := rec.Sequence

	env, err := t.serializer.Deserialize(rec.Bytes())
	rec.Release()
	if err != nil {
		t.reject(seq, "decode", "dropping undecodable packet",
			zap.Uint64("arrival", seq),
			zap.Int("length", rec.Length),
			zap.Error(err))
		return
	}

	if env.Source.ID == t.identity.ID && !t.cfg.Transport.ReceiveOwn {
		t.metrics.drop("loopback")
		t.skip(seq)
		return
	}
	if t.cipher.Enabled() && !env.Encrypted {
		t.reject(seq, "unencrypted", "dropping unencrypted message", envFields(env)...)
		return
	}

	switch env.Type {
	case dataType.MessageTypeAck:
		t.handleAck(env)
		t.skip(seq)
		return
	case dataType.MessageTypeHeartbeat:
		t.handleHeartbeat(env)
		t.skip(seq)
		return
	case dataType.MessageTypeRekey:
		t.handleRekey(env)
		t.skip(seq)
		return
	}

	if ok, reason := t.checkReplay(env); !ok {
		t.reject(seq, string(reason), "dropping replayed or stale message",
			append(envFields(env), zap.String("reason", string(reason)))...)
		return
	}

	if t.gate == nil {
		t.dispatch(env)
		return
	}
	if !t.gate.Submit(seq, env) {
		t.metrics.drop("gate_full")
	}
}

// checkReplay applies the replay window. Legacy JSON messages without a
// sender sequence only get the age checks.
func (t *Transport) checkReplay(env *dataType.Envelope) (bool, replay.Reason) {
	if env.Legacy && env.SenderSequence == 0 {
		return t.protector.CheckAge(env)
	}
	return t.protector.IsValid(env, env.SenderSequence)
}

func envFields(env *dataType.Envelope) []zap.Field {
	return []zap.Field{
		zap.Stringer("source", env.Source.ID),
		zap.String("type", env.Type),
		zap.Uint32("sender_seq", env.SenderSequence),
	}
}

// reject counts and logs a dropped arrival and tells the gate not to wait for it.
func (t *Transport) reject(seq uint64, reason, msg string, fields ...zap.Field) {
	t.metrics.drop(reason)
	t.drops.Warn(reason, msg, fields...)
	t.skip(seq)
}

func (t *Transport) skip(seq uint64) {
	if t.gate != nil && seq > 0 {
		t.gate.Skip(seq)
	}
}

func (t *Transport) handleAck(env *dataType.Envelope) {
	if ok, reason := t.protector.CheckAge(env); !ok {
		t.metrics.drop(string(reason))
		return
	}
	var msg dataType.AckMessage
	if err := env.DecodePayload(&msg); err != nil {
		t.reject(0, "bad_control", "dropping malformed ack", append(envFields(env), zap.Error(err))...)
		return
	}
	if msg.Target != t.identity.ID {
		return
	}
	source := env.Source
	if p, ok := t.peers.Table().Get(source.ID.String()); ok {
		source.Name = p.DeviceName
	}
	t.acks.ReportAck(msg.OriginalID, source)
}

func (t *Transport) handleHeartbeat(env *dataType.Envelope) {
	if ok, reason := t.protector.CheckAge(env); !ok {
		t.metrics.drop(string(reason))
		return
	}
	var hb dataType.HeartbeatMessage
	if err := env.DecodePayload(&hb); err != nil {
		t.reject(0, "bad_control", "dropping malformed heartbeat", append(envFields(env), zap.Error(err))...)
		return
	}
	if hb.SourceID != env.Source.ID {
		t.reject(0, "bad_control", "heartbeat source does not match sender", envFields(env)...)
		return
	}
	t.peers.HandleHeartbeat(hb, t.identity.ID)
}

func (t *Transport) handleRekey(env *dataType.Envelope) {
	if !env.Encrypted {
		t.reject(0, "rekey_unencrypted", "dropping unencrypted rekey", envFields(env)...)
		return
	}
	if ok, reason := t.protector.IsValid(env, env.SenderSequence); !ok {
		t.reject(0, string(reason), "dropping replayed rekey", envFields(env)...)
		return
	}
	var msg dataType.RekeyMessage
	if err := env.DecodePayload(&msg); err != nil {
		t.reject(0, "bad_control", "dropping malformed rekey", append(envFields(env), zap.Error(err))...)
		return
	}
	if t.keys.IsCurrent(msg.Key) {
		clear(msg.Key)
		return
	}
	if err := verifyFingerprint(msg.Key, msg.Fingerprint); err != nil {
		clear(msg.Key)
		t.reject(0, "rekey_fingerprint", "dropping rekey", append(envFields(env), zap.Error(err))...)
		return
	}
	if !t.claimRekey(msg.Fingerprint) {
		clear(msg.Key)
		return
	}
	t.log.Info("rekey announced",
		zap.Stringer("source", env.Source.ID),
		zap.Time("effective", dataType.TimeFromTicks(msg.EffectiveTicks)))
	t.applyKeyAt(msg.Key, msg.Fingerprint, dataType.TimeFromTicks(msg.EffectiveTicks))
}

// claimRekey reserves fingerprint for one scheduled install. It is false when
// an install of the same key is already pending.
func (t *Transport) claimRekey(fingerprint []byte) bool {
	t.rekeyMu.Lock()
	defer t.rekeyMu.Unlock()
	if _, pending := t.pendingKeys[string(fingerprint)]; pending {
		return false
	}
	t.pendingKeys[string(fingerprint)] = struct{}{}
	return true
}

func (t *Transport) releaseRekey(fingerprint []byte) {
	t.rekeyMu.Lock()
	delete(t.pendingKeys, string(fingerprint))
	t.rekeyMu.Unlock()
}

func verifyFingerprint(key, fingerprint []byte) error {
	ks, err := security.NewKeySession(key)
	if err != nil {
		return err
	}
	defer ks.Destroy()
	if !bytes.Equal(ks.Fingerprint(), fingerprint) {
		return errors.New("key fingerprint mismatch")
	}
	return nil
}

// RotateKey announces key to the group under the current key and switches to
// it at effectiveIn from now. The old key keeps decrypting for the configured
// grace period.
func (t *Transport) RotateKey(ctx context.Context, key []byte, effectiveIn time.Duration) error {
	if !t.cipher.Enabled() {
		return ErrEncryptionDisabled
	}
	if t.keys.IsCurrent(key) {
		return nil
	}
	ks, err := security.NewKeySession(key)
	if err != nil {
		return err
	}
	fingerprint := ks.Fingerprint()
	ks.Destroy()
	if !t.claimRekey(fingerprint) {
		return nil
	}

	effective := time.Now().Add(effectiveIn)
	owned := bytes.Clone(key)
	msg := dataType.RekeyMessage{
		Key:            owned,
		EffectiveTicks: dataType.TicksFromTime(effective),
		Fingerprint:    fingerprint,
	}
	if err := t.write(ctx, t.newEnvelope(dataType.MessageTypeRekey, false), msg); err != nil {
		clear(owned)
		t.releaseRekey(fingerprint)
		return fmt.Errorf("announce rekey: %w", err)
	}
	t.applyKeyAt(owned, fingerprint, effective)
	return nil
}

// applyKeyAt installs key at the given time, keeps the old key for the grace
// period and then drops it. key is zeroed once installed. A key that is
// already current by then is not installed again, so the grace key survives.
func (t *Transport) applyKeyAt(key, fingerprint []byte, at time.Time) {
	install := func() {
		defer t.releaseRekey(fingerprint)
		if t.keys.IsCurrent(key) {
			clear(key)
			return
		}
		err := t.keys.SetKey(key, true)
		clear(key)
		if err != nil {
			t.log.Error("key rotation failed", zap.Error(err))
			return
		}
		t.log.Info("key rotated", zap.Binary("fingerprint", t.keys.Fingerprint()))
		grace := t.cfg.Transport.RekeyGrace
		if grace <= 0 {
			t.keys.ClearPreviousKey()
			return
		}
		t.after(grace, t.keys.ClearPreviousKey)
	}
	if d := time.Until(at); d > 0 {
		t.after(d, install)
		return
	}
	install()
}
