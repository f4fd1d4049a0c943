package password

import "golang.org/x/crypto/bcrypt"

// Cost is the bcrypt work factor for stored credentials.
const Cost = 10

// Hash returns the bcrypt hash of password.
func Hash(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), Cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// Verify checks whether password matches the stored hash.
func Verify(password, hashed string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) == nil
}
