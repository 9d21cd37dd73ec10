package gradebook

import (
	"encoding/hex"
	"encoding/json"

	"golang.org/x/crypto/blake2b"
)

// Digest возвращает BLAKE2b-256 отпечаток входных данных.
// Одинаковые данные дают одинаковый отпечаток: ключи map сериализуются отсортированными.
// Для данных, не представимых в JSON (NaN в оценках), возвращает "".
func (in *Input) Digest() string {
	data, err := json.Marshal(in)
	if err != nil {
		return ""
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
