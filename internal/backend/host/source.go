package host

import (
	"strconv"
	"strings"
	"text/template"

	"github.com/samcharles93/kerneltune/internal/arch"
	"github.com/samcharles93/kerneltune/internal/dtype"
	"github.com/samcharles93/kerneltune/internal/kernel"
	"github.com/samcharles93/kerneltune/internal/matmul"
	"github.com/samcharles93/kerneltune/pkg/quant"
)

var ctype = map[dtype.DType]string{
	dtype.Float64: "double",
	dtype.Float32: "float",
	dtype.Float16: "half",
	dtype.Int32:   "int",
	dtype.Int8:    "int8_t",
}

type sourceParams struct {
	Name     string
	Target   string
	Layout   string
	Sched    kernel.Schedule
	Params   []kernel.Param
	AccType  string
	AType    string
	OutType  string
	Integer  bool
	Decode   string
	KIters   int
	AccLocal int
	ASmem    int
	BSmem    int
}

var kernelText = template.Must(template.New("kernel").Funcs(template.FuncMap{
	"ctype": func(d dtype.DType) string { return ctype[d] },
	"lower": strings.ToLower,
}).Parse(`// {{.Name}} target={{.Target}} weights={{.Layout}}
// schedule: {{.Sched}}
extern "C" __global__ void __launch_bounds__({{.Sched.Threads}}) default_function_kernel(
{{- range $i, $p := .Params}}{{if $i}}, {{end}}{{ctype $p.DType}}* __restrict__ {{$p.Kind}}{{end}}) {
  {{.AccType}} C_local[{{.AccLocal}}];
  __shared__ {{.AType}} A_shared[{{.ASmem}}];
  __shared__ int8_t B_shared[{{.BSmem}}];
  {{.AType}} B_local[{{.Sched.BlockK}}];
  for (int k_0 = 0; k_0 < {{.KIters}}; ++k_0) {
{{- if gt .Sched.Stages 1}}
    __pipeline_commit();
    __pipeline_wait_prior({{.Sched.Stages}} - 2);
{{- end}}
{{- if .Decode}}
    {{.Decode}}(B_shared + ((((int)threadIdx.x) * {{.Sched.VectorWidth}})), B_local, {{.Sched.BlockK}});
{{- end}}
{{- if .Integer}}
    for (int k_1 = 0; k_1 < {{.Sched.BlockK}} / 4; ++k_1) {
      for (int k_2 = 0; k_2 < 4; ++k_2) {
        C_local[0] = (C_local[0] + (((int)A_shared[((k_1 * 4) + k_2)]) * ((int)B_local[((k_1 * 4) + k_2)])));
      }
    }
{{- else if .Sched.Fragment.IsZero}}
    for (int k_1 = 0; k_1 < {{.Sched.BlockK}}; ++k_1) {
      C_local[0] = (C_local[0] + (A_shared[k_1] * B_local[k_1]));
    }
{{- else}}
    mma_sync_{{lower .Sched.Fragment.String}}(C_local, A_shared, B_local);
{{- end}}
  }
  D[((((int)blockIdx.y) * {{.Sched.BlockM}}) + ((int)threadIdx.x))] = (({{.OutType}})C_local[0]);
}
`))

func render(tmpl kernel.Template, s kernel.Schedule, target arch.Descriptor) (string, error) {
	cfg := tmpl.Config
	p := sourceParams{
		Name:     tmpl.String(),
		Target:   target.Name,
		Layout:   layoutFor(cfg),
		Sched:    s,
		Params:   tmpl.Params(),
		AccType:  ctype[cfg.AccumDType()],
		AType:    ctype[cfg.ADType()],
		OutType:  ctype[cfg.OutDType()],
		Integer:  quant.IntegerKernel(cfg),
		KIters:   (cfg.K() + s.BlockK - 1) / s.BlockK,
		AccLocal: max(s.BlockM*s.BlockN/max(s.Threads, 1), 1),
		ASmem:    s.BlockM * s.BlockK * max(s.Stages, 1),
		BSmem:    (s.BlockN*s.BlockK*tmpl.WeightBits() + 7) / 8 * max(s.Stages, 1),
	}
	if cfg.Family() == matmul.FamilyDequantize {
		p.Decode = "decode_i" + strconv.Itoa(cfg.Bits()) + "_to_" + cfg.ADType().String()
		if cfg.FastDecoding() {
			p.Decode += "_fast"
		}
	}
	var b strings.Builder
	if err := kernelText.Execute(&b, p); err != nil {
		return "", err
	}
	return b.String(), nil
}
