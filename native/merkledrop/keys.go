package merkledrop

import "encoding/binary"

var (
	roundPrefix   = []byte("merkledrop/rounds/")
	claimedPrefix = []byte("merkledrop/claimed/")
	remainPrefix  = []byte("merkledrop/remaining/")
)

// channelKey appends the length-prefixed asset symbol and the distributor so
// symbols of different lengths can never produce overlapping keys.
func channelKey(prefix []byte, ch Channel) []byte {
	key := make([]byte, 0, len(prefix)+1+len(ch.Asset)+len(ch.Distributor)+8+20)
	key = append(key, prefix...)
	key = append(key, byte(len(ch.Asset)))
	key = append(key, ch.Asset...)
	key = append(key, ch.Distributor[:]...)
	return key
}

func roundKey(ch Channel, round uint64) []byte {
	return binary.BigEndian.AppendUint64(channelKey(roundPrefix, ch), round)
}

// claimedWordKey addresses the 256-bit word holding the claimed flags of
// rounds [word*256, word*256+255] for one recipient.
func claimedWordKey(ch Channel, recipient [20]byte, word uint64) []byte {
	key := append(channelKey(claimedPrefix, ch), recipient[:]...)
	return binary.BigEndian.AppendUint64(key, word)
}

func remainingKey(ch Channel) []byte {
	return channelKey(remainPrefix, ch)
}

// RoundStorageKey returns the raw storage key of a round record.
func RoundStorageKey(ch Channel, round uint64) []byte {
	return roundKey(NewChannel(ch.Asset, ch.Distributor), round)
}
