package keys

// InstallOneRTT sets the initial 1-RTT read/write keys from TLS-exported
// traffic secrets, deriving the AEAD pair for each.
func (s *Schedule) InstallOneRTT(readSecret, writeSecret []byte) error {
	read, err := DeriveAEAD(readSecret)
	if err != nil {
		return err
	}
	write, err := DeriveAEAD(writeSecret)
	if err != nil {
		return err
	}
	slot := s.Level(OneRTT)
	slot.Read = read
	slot.Write = write
	s.oneRTTReadSecret = readSecret
	s.oneRTTWriteSecret = writeSecret
	return nil
}

// PrepareKeyUpdate derives the next-generation 1-RTT keys into the "_NEW"
// slots without activating them, : "derive new 1-RTT
// key from current via HKDF-Expand-Label, install at _NEW slot".
func (s *Schedule) PrepareKeyUpdate() error {
	nextRead := UpdateSecret(s.oneRTTReadSecret)
	nextWrite := UpdateSecret(s.oneRTTWriteSecret)
	read, err := DeriveAEAD(nextRead)
	if err != nil {
		return err
	}
	write, err := DeriveAEAD(nextWrite)
	if err != nil {
		return err
	}
	slot := s.Level(OneRTT)
	// Header-protection keys are not updated by a key update (RFC 9001
	// section 6.3): the next generation keeps the current HP keys.
	if slot.Read != nil {
		read.hp = slot.Read.hp
	}
	if slot.Write != nil {
		write.hp = slot.Write.hp
	}
	slot.New1RTTRead = read
	slot.New1RTTWrite = write
	s.nextOneRTTReadSecret = nextRead
	s.nextOneRTTWriteSecret = nextWrite
	return nil
}

// RotatePhase flips the key phase: _OLD <- current, current <- _NEW,
// _NEW <- nil. The header-protection keys do not change across a key
// update (RFC 9001 section 6.3): PrepareKeyUpdate copies the current HP
// keys into the new generation, so rotating keeps them as they were.
func (s *Schedule) RotatePhase() {
	slot := s.Level(OneRTT)
	slot.Old1RTTRead = slot.Read
	slot.Old1RTTWrite = slot.Write
	slot.Read = slot.New1RTTRead
	slot.Write = slot.New1RTTWrite
	slot.New1RTTRead = nil
	slot.New1RTTWrite = nil
	s.keyPhase = !s.keyPhase
	s.oneRTTReadSecret = s.nextOneRTTReadSecret
	s.oneRTTWriteSecret = s.nextOneRTTWriteSecret
	s.nextOneRTTReadSecret = nil
	s.nextOneRTTWriteSecret = nil
}

// DiscardOld drops the retained prior-phase keys once the peer can no
// longer plausibly be sending packets protected under them.
func (s *Schedule) DiscardOld() {
	slot := s.Level(OneRTT)
	slot.Old1RTTRead = nil
	slot.Old1RTTWrite = nil
}

// KeyPhase returns the current outbound key-phase bit.
func (s *Schedule) KeyPhase() bool { return s.keyPhase }

// DiscardLevel frees all key material for a level (e.g. client discarding
// Initial keys after first Handshake write, or discarding Handshake keys
// once the handshake is confirmed).
func (s *Schedule) DiscardLevel(l Level) {
	s.levels[l] = Slots{}
}
