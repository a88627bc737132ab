package security

import (
	"bufio"
	"io"
	"math"
)

// shannonEntropy returns the Shannon entropy of r in bits per byte (0..8).
func shannonEntropy(r io.Reader) (float64, error) {
	var counts [256]int64
	var total int64

	br := bufio.NewReader(r)
	buf := make([]byte, 32<<10)
	for {
		n, err := br.Read(buf)
		for _, b := range buf[:n] {
			counts[b]++
		}
		total += int64(n)
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	if total == 0 {
		return 0, nil
	}

	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / float64(total)
		h -= p * math.Log2(p)
	}
	return h, nil
}
