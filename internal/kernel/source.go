package kernel

import (
	"fmt"
	"regexp"
)

// dp4aLoop matches a four-wide int8 dot product the code generator leaves
// as a scalar loop:
//
//	for (int k = 0; k < 4; ++k) {
//	  C[0] = (C[0] + (((int)A[((i * 4) + k)]) * ((int)B[((j * 4) + k)])));
//	}
//
// RE2 has no backreferences, so the repeated loop and accumulator names are
// captured separately and compared in ReplaceDP4A.
var dp4aLoop = regexp.MustCompile(
	`for\s*\(int\s*(\w+)\s*=\s*0;\s*(\w+)\s*<\s*4;\s*\+\+(\w+)\)\s*\{\s*` +
		`(\w+)\[0\]\s*=\s*\((\w+)\[0\]\s*\+\s*` +
		`\(\(\(int\)(\w+)\[\(\((\w+)\s*\*\s*4\)\s*\+\s*(\w+)\)\]\)\s*\*\s*` +
		`\(\(int\)(\w+)\[\(\((\w+)\s*\*\s*4\)\s*\+\s*(\w+)\)\]\)\)\);\s*\}`)

// ReplaceDP4A rewrites every matching loop into a single __dp4a intrinsic
// call. Loops whose repeated names disagree are left untouched.
func ReplaceDP4A(src string) string {
	return dp4aLoop.ReplaceAllStringFunc(src, func(loop string) string {
		g := dp4aLoop.FindStringSubmatch(loop)
		k, c := g[1], g[4]
		if g[2] != k || g[3] != k || g[8] != k || g[11] != k || g[5] != c {
			return loop
		}
		a, ia, b, ib := g[6], g[7], g[9], g[10]
		return fmt.Sprintf("%s[0] = __dp4a(*(int *)&%s[((%s * 4))],*(int *)&%s[((%s * 4))], %s[0]);", c, a, ia, b, ib, c)
	})
}
