// context.go - Context und Tensor Interfaces fuer ML-Operationen
// Dieses Modul definiert die Schnittstellen fuer Tensor-Operationen und Compute-Kontexte.
//
// Anders als bei einem Graph-Backend werden Operationen sofort ausgefuehrt.
// Shapes sind row-major in natuerlicher Reihenfolge: [batch, seq, hidden].
package ml

// Context represents an execution context for tensor operations.
type Context interface {
	Zeros(dtype DType, shape ...int) Tensor
	FromFloats(s []float32, shape ...int) Tensor
	FromInts(s []int32, shape ...int) Tensor

	// Arange creates a 1D tensor with values within an interval [start, stop) increased by step.
	Arange(start, stop, step float32, dtype DType) Tensor

	Close()
}

// Tensor represents a multi-dimensional array with various operations.
// Operations never modify their receiver; each returns a new tensor.
type Tensor interface {
	Dim(n int) int
	Shape() []int
	DType() DType
	Cast(ctx Context, dtype DType) Tensor

	Floats() []float32

	// Add, Sub, Mul and Div broadcast like numpy
	Add(ctx Context, t2 Tensor) Tensor
	Sub(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor
	Div(ctx Context, t2 Tensor) Tensor

	// Matmul multiplies [..., m, k] by [..., k, n]; leading dims broadcast
	Matmul(ctx Context, t2 Tensor) Tensor
	// MatmulT multiplies [..., m, k] by the transpose of [..., n, k]
	MatmulT(ctx Context, t2 Tensor) Tensor

	// Softmax, LayerNorm and RMSNorm operate on the last dimension
	Softmax(ctx Context) Tensor
	LayerNorm(ctx Context, weight, bias Tensor, eps float32) Tensor
	RMSNorm(ctx Context, weight Tensor, eps float32) Tensor
	Scale(ctx Context, s float64) Tensor

	Tanh(ctx Context) Tensor
	Sigmoid(ctx Context) Tensor
	GELU(ctx Context, up ...Tensor) Tensor
	GELUTanh(ctx Context, up ...Tensor) Tensor
	QuickGELU(ctx Context, up ...Tensor) Tensor
	SILU(ctx Context, up ...Tensor) Tensor
	RELU(ctx Context, up ...Tensor) Tensor

	// Reshape accepts at most one -1 which is inferred
	Reshape(ctx Context, shape ...int) Tensor
	Permute(ctx Context, order ...int) Tensor

	// Repeat repeats the tensor n times along dimension dim
	Repeat(ctx Context, dim, n int) Tensor
	Concat(ctx Context, t2 Tensor, dim int) Tensor
	// Rows gathers rows of a [rows, cols] tensor by the indices in t2
	Rows(ctx Context, t2 Tensor) Tensor

	Slice(ctx Context, dim, low, high, step int) Tensor
	Chunk(ctx Context, dim int, size int) []Tensor

	// Mean reduces dimension dim
	Mean(ctx Context, dim int) Tensor

	// Interpolate resizes the two trailing dims of a [n, c, h, w] tensor
	Interpolate(ctx Context, dims [4]int, samplingMode SamplingMode) Tensor
}
